// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"proxilion/gateway/policy"
)

// Prometheus collectors for the gateway. Registered once; duplicate
// construction in tests reuses the process-wide set.
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxilion_requests_total",
			Help: "Requests handled, by surface and status code",
		},
		[]string{"surface", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxilion_request_duration_milliseconds",
			Help:    "End-to-end request duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 5000, 30000},
		},
		[]string{"decision"},
	)
	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxilion_policy_decisions_total",
			Help: "Policy decisions, by action",
		},
		[]string{"action"},
	)
	cacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxilion_cache_events_total",
			Help: "Response cache activity",
		},
		[]string{"event"},
	)
	scanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxilion_scan_duration_milliseconds",
			Help:    "Scanner orchestrator pass duration in milliseconds",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 10000},
		},
	)
	upstreamFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxilion_upstream_failures_total",
			Help: "Upstream call failures, by error kind",
		},
		[]string{"kind"},
	)
	streamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxilion_stream_chunks_total",
			Help: "Chunks flushed to streaming clients",
		},
	)
	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxilion_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxilion_audit_dropped_total",
			Help: "Audit records dropped because the queue was full",
		},
	)
	auditFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxilion_audit_fallback_total",
			Help: "Audit records written to the fallback file",
		},
	)
)

var metricsOnce sync.Once

// registerMetrics registers the collectors exactly once. Register (not
// MustRegister) so tests that build several servers do not panic.
func registerMetrics() {
	metricsOnce.Do(func() {
		_ = prometheus.Register(requestsTotal)
		_ = prometheus.Register(requestDuration)
		_ = prometheus.Register(decisionsTotal)
		_ = prometheus.Register(cacheEventsTotal)
		_ = prometheus.Register(scanDuration)
		_ = prometheus.Register(upstreamFailuresTotal)
		_ = prometheus.Register(streamChunksTotal)
		_ = prometheus.Register(rateLimitedTotal)
		_ = prometheus.Register(auditDroppedTotal)
		_ = prometheus.Register(auditFallbackTotal)
	})
}

// Metrics keeps the gateway-level counters behind /metrics and mirrors
// them into the Prometheus collectors.
type Metrics struct {
	startTime time.Time

	requests      uint64
	allowed       uint64
	blocked       uint64
	modified      uint64
	queued        uint64
	redirected    uint64
	alerted       uint64
	logged        uint64
	cacheHits     uint64
	cacheMisses   uint64
	rateLimited   uint64
	parseFailures uint64
	authRejected  uint64
	upstreamFails uint64
	streamed      uint64
	streamChunks  uint64
}

// NewMetrics creates the counter set and ensures the Prometheus
// collectors are registered.
func NewMetrics() *Metrics {
	registerMetrics()
	return &Metrics{startTime: time.Now()}
}

// RecordRequest accounts one finished request.
func (m *Metrics) RecordRequest(surface string, status int, decision string, elapsed time.Duration) {
	atomic.AddUint64(&m.requests, 1)
	requestsTotal.WithLabelValues(surface, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(decision).Observe(float64(elapsed.Milliseconds()))
}

// RecordDecision accounts one policy outcome.
func (m *Metrics) RecordDecision(action policy.Action) {
	decisionsTotal.WithLabelValues(string(action)).Inc()
	switch action {
	case policy.ActionAllow:
		atomic.AddUint64(&m.allowed, 1)
	case policy.ActionBlock:
		atomic.AddUint64(&m.blocked, 1)
	case policy.ActionModify:
		atomic.AddUint64(&m.modified, 1)
	case policy.ActionQueue:
		atomic.AddUint64(&m.queued, 1)
	case policy.ActionRedirect:
		atomic.AddUint64(&m.redirected, 1)
	case policy.ActionAlert:
		atomic.AddUint64(&m.alerted, 1)
	case policy.ActionLog:
		atomic.AddUint64(&m.logged, 1)
	}
}

// RecordCache accounts a cache lookup.
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		atomic.AddUint64(&m.cacheHits, 1)
		cacheEventsTotal.WithLabelValues("hit").Inc()
		return
	}
	atomic.AddUint64(&m.cacheMisses, 1)
	cacheEventsTotal.WithLabelValues("miss").Inc()
}

// RecordCacheStore accounts a stored response.
func (m *Metrics) RecordCacheStore() {
	cacheEventsTotal.WithLabelValues("store").Inc()
}

// RecordScan accounts one orchestrator pass.
func (m *Metrics) RecordScan(elapsed time.Duration) {
	scanDuration.Observe(float64(elapsed.Milliseconds()))
}

// RecordRateLimited accounts a 429.
func (m *Metrics) RecordRateLimited() {
	atomic.AddUint64(&m.rateLimited, 1)
	rateLimitedTotal.Inc()
}

// RecordParseFailure accounts a 400.
func (m *Metrics) RecordParseFailure() {
	atomic.AddUint64(&m.parseFailures, 1)
}

// RecordAuthRejected accounts a 401.
func (m *Metrics) RecordAuthRejected() {
	atomic.AddUint64(&m.authRejected, 1)
}

// RecordUpstreamFailure accounts one failed upstream call by error kind.
func (m *Metrics) RecordUpstreamFailure(kind string) {
	atomic.AddUint64(&m.upstreamFails, 1)
	upstreamFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordStream accounts one finished streaming response.
func (m *Metrics) RecordStream(chunks int) {
	atomic.AddUint64(&m.streamed, 1)
	atomic.AddUint64(&m.streamChunks, uint64(chunks))
	streamChunksTotal.Add(float64(chunks))
}

// GetStats snapshots the counters for the JSON metrics surface.
func (m *Metrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"requests":       atomic.LoadUint64(&m.requests),
		"decisions": map[string]interface{}{
			"allow":    atomic.LoadUint64(&m.allowed),
			"block":    atomic.LoadUint64(&m.blocked),
			"modify":   atomic.LoadUint64(&m.modified),
			"queue":    atomic.LoadUint64(&m.queued),
			"redirect": atomic.LoadUint64(&m.redirected),
			"alert":    atomic.LoadUint64(&m.alerted),
			"log":      atomic.LoadUint64(&m.logged),
		},
		"cache_hits":        atomic.LoadUint64(&m.cacheHits),
		"cache_misses":      atomic.LoadUint64(&m.cacheMisses),
		"rate_limited":      atomic.LoadUint64(&m.rateLimited),
		"parse_failures":    atomic.LoadUint64(&m.parseFailures),
		"auth_rejected":     atomic.LoadUint64(&m.authRejected),
		"upstream_failures": atomic.LoadUint64(&m.upstreamFails),
		"streamed":          atomic.LoadUint64(&m.streamed),
		"stream_chunks":     atomic.LoadUint64(&m.streamChunks),
	}
}
