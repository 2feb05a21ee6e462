// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxilion/gateway/cache"
	"proxilion/gateway/dedup"
	"proxilion/gateway/model"
	"proxilion/gateway/parser"
	"proxilion/gateway/policy"
	"proxilion/gateway/scanner"
	"proxilion/gateway/stream"
	"proxilion/gateway/upstream"
)

// captureSink collects audit records for assertions.
type captureSink struct {
	mu   sync.Mutex
	recs []*model.AuditRecord
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Emit(_ context.Context, rec *model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *captureSink) records() []*model.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.AuditRecord, len(s.recs))
	copy(out, s.recs)
	return out
}

// testGateway is a fully wired pipeline with handles on the parts tests
// poke at.
type testGateway struct {
	pipeline *Pipeline
	sink     *captureSink
	cache    *cache.Cache
	policies *policy.Engine
	scanners *scanner.Orchestrator
	reviews  *ReviewQueue
	pool     *upstream.Pool
	breakers *upstream.Registry
}

func newTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()

	cfg := Config{
		Version:             "test",
		RequestTimeout:      5 * time.Second,
		AuthMode:            AuthModeMonitor,
		TransparentAuthMode: AuthModeMonitor,
		ScanResponses:       true,
		AuditFallbackPath:   filepath.Join(t.TempDir(), "audit-fallback.jsonl"),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	parsers := parser.NewRegistry()

	scanners := scanner.NewOrchestrator(scanner.Config{Timeout: cfg.ScanTimeout})
	scanners.Register(scanner.NewPIIScanner())
	scanners.Register(scanner.NewSecretsScanner())
	scanners.Register(scanner.NewInjectionScanner())
	scanners.Register(scanner.NewToxicityScanner())
	scanners.Register(scanner.NewComplianceScanner(scanner.DefaultComplianceTerms()))

	policies := policy.NewEngine()
	require.NoError(t, policies.Replace(policy.DefaultPolicies()))

	pool := upstream.NewPool(cfg.Pool)
	breakers := upstream.NewRegistry(cfg.Breakers)
	sink := &captureSink{}
	audit, err := NewAuditQueue(sink, 100, 1, cfg.AuditFallbackPath)
	require.NoError(t, err)
	reviews := NewReviewQueue(100, time.Minute)
	redactor := NewRedactor("", cfg.RedactableTypes)

	g := &testGateway{
		sink:     sink,
		cache:    cache.New(cfg.Cache),
		policies: policies,
		scanners: scanners,
		reviews:  reviews,
		pool:     pool,
		breakers: breakers,
	}
	g.pipeline = newPipeline(cfg, pipelineDeps{
		parsers:   parsers,
		scanners:  scanners,
		policies:  policies,
		cache:     g.cache,
		dedup:     dedup.New(dedup.Config{Timeout: cfg.DedupTimeout}),
		client:    upstream.NewClient(pool, breakers),
		limiter:   NewRateLimiter(nil, cfg.RateLimitPerMinute),
		auth:      NewAuthenticator(cfg.JWTSecret, cfg.APIKeys),
		audit:     audit,
		reviews:   reviews,
		redactor:  redactor,
		responses: NewResponseProcessor(cfg.MaxResponseBytes, cfg.ScanResponses, redactor),
		metrics:   NewMetrics(),
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = audit.Shutdown(ctx)
		reviews.Close()
		pool.Close()
		breakers.Close()
	})
	return g
}

// serve runs one request through the pipeline against the given target.
func (g *testGateway) serve(t *testing.T, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	u, err := url.Parse(target)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.pipeline.Serve(w, req, u, surfaceExplicit)
	return w
}

// waitAudit blocks until the async queue has delivered n records.
func (g *testGateway) waitAudit(t *testing.T, n int) []*model.AuditRecord {
	t.Helper()
	var recs []*model.AuditRecord
	require.Eventually(t, func() bool {
		recs = g.sink.records()
		return len(recs) >= n
	}, 2*time.Second, 10*time.Millisecond, "expected %d audit records, have %d", n, len(recs))
	return recs
}

func chatBody(content string) string {
	return fmt.Sprintf(`{"model":"gpt-4","messages":[{"role":"user","content":%q}]}`, content)
}

func streamChatBody(content string) string {
	return fmt.Sprintf(`{"model":"gpt-4","stream":true,"messages":[{"role":"user","content":%q}]}`, content)
}

// countingUpstream wraps an httptest server and counts requests reaching
// it.
func countingUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func jsonUpstream(t *testing.T, status int, payload string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	return countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, payload)
	})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestServeCleanRequestForwards(t *testing.T) {
	const answer = `{"id":"chatcmpl-1","choices":[{"message":{"role":"assistant","content":"Paris."}}]}`

	var gotCorrelation string
	var gotAPIKey bool
	ts, hits := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		gotAPIKey = r.Header.Get("X-API-Key") != ""
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, answer)
	})
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("What is the capital of France?"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "false", w.Header().Get("X-Content-Modified"))
	assert.True(t, strings.HasSuffix(w.Header().Get("X-Response-Time"), "ms"))
	assert.Equal(t, answer, w.Body.String())
	assert.EqualValues(t, 1, hits.Load())
	assert.NotEmpty(t, gotCorrelation)
	assert.False(t, gotAPIKey, "gateway credentials must not leak upstream")

	recs := g.waitAudit(t, 1)
	rec := recs[0]
	assert.Equal(t, "allow", rec.Decision)
	assert.Equal(t, "completed", rec.EventType)
	assert.Equal(t, model.SeverityNone, rec.ThreatLevel)
	assert.Equal(t, model.ProviderOpenAI, rec.Provider)
	assert.Equal(t, "gpt-4", rec.Model)
	assert.Empty(t, rec.Findings)
}

func TestServeParseFailureNeverContactsUpstream(t *testing.T) {
	ts, hits := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", "this is not json", nil)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "parse-failure", body.Code)
	assert.NotEmpty(t, body.CorrelationID)
	assert.EqualValues(t, 0, hits.Load(), "parse failures must not reach the upstream")

	recs := g.waitAudit(t, 1)
	assert.Equal(t, "failed", recs[0].EventType)
	assert.Equal(t, "error", recs[0].Decision)
}

func TestServeBlocksHighThreat(t *testing.T) {
	ts, hits := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("my ssn is 123-45-6789"), nil)

	require.Equal(t, http.StatusForbidden, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "policy-block", body.Code)
	assert.Equal(t, model.SeverityHigh, body.ThreatLevel)
	assert.Equal(t, "request blocked by policy", body.Error)
	assert.EqualValues(t, 0, hits.Load(), "blocked requests must not reach the upstream")

	recs := g.waitAudit(t, 1)
	rec := recs[0]
	assert.Equal(t, "block", rec.Decision)
	assert.Equal(t, "blocked", rec.EventType)
	assert.Equal(t, "default-block-high", rec.PolicyID)
	assert.Equal(t, model.SeverityHigh, rec.ThreatLevel)
	assert.NotEmpty(t, rec.Findings)
}

func TestServeDefaultBlockWithoutPolicies(t *testing.T) {
	ts, hits := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, nil)
	require.NoError(t, g.policies.Replace(nil))

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("hello there"), nil)

	require.Equal(t, http.StatusForbidden, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "default-block", body.Code)
	assert.EqualValues(t, 0, hits.Load())

	recs := g.waitAudit(t, 1)
	assert.Equal(t, "block", recs[0].Decision)
	assert.Empty(t, recs[0].PolicyID, "default block matches no policy")
}

func TestServeCacheHitReplaysStoredResponse(t *testing.T) {
	const answer = `{"id":"chatcmpl-2","choices":[]}`
	ts, hits := jsonUpstream(t, http.StatusOK, answer)
	g := newTestGateway(t, nil)
	body := chatBody("cache me once")

	first := g.serve(t, ts.URL+"/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "MISS", first.Header().Get("X-Cache"))

	second := g.serve(t, ts.URL+"/v1/chat/completions", body, nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, "false", second.Header().Get("X-Content-Modified"))
	assert.Equal(t, answer, second.Body.String())
	assert.EqualValues(t, 1, hits.Load(), "cache hit must not call the upstream again")

	recs := g.waitAudit(t, 2)
	assert.Equal(t, "cache_hit", recs[1].EventType)
	assert.Equal(t, "allow", recs[1].Decision)
}

func TestServeDedupCollapsesConcurrentIdenticalRequests(t *testing.T) {
	const n = 8
	const answer = `{"id":"chatcmpl-3","choices":[]}`
	release := make(chan struct{})
	ts, hits := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, answer)
	})
	g := newTestGateway(t, nil)
	body := chatBody("expensive identical question")

	var wg sync.WaitGroup
	results := make([]*httptest.ResponseRecorder, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = g.serve(t, ts.URL+"/v1/chat/completions", body, nil)
		}(i)
	}

	// Let every request reach the deduplicator before the upstream
	// answers.
	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, hits.Load(), "identical concurrent requests must share one upstream call")
	for i, w := range results {
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		assert.Equal(t, answer, w.Body.String(), "request %d", i)
	}
	g.waitAudit(t, n)
}

func TestServeCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	// A server that is immediately closed leaves a port that refuses
	// connections.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := dead.URL + "/v1/chat/completions"
	dead.Close()

	g := newTestGateway(t, func(cfg *Config) {
		cfg.Breakers.Breaker = upstream.BreakerConfig{
			FailureThreshold: 2,
			OpenDuration:     time.Minute,
		}
	})

	for i := 0; i < 2; i++ {
		w := g.serve(t, target, chatBody("hello"), nil)
		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "upstream-transport", decodeError(t, w).Code)
	}

	w := g.serve(t, target, chatBody("hello"), nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "circuit-open", decodeError(t, w).Code, "breaker must short-circuit after the threshold")
	g.waitAudit(t, 3)
}

func TestServeStreamingPassesChunksInOrder(t *testing.T) {
	const chunks = 10
	ts, hits := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for i := 0; i < chunks; i++ {
			fmt.Fprintf(w, "data: {\"seq\":%d}\n\n", i)
			f.Flush()
		}
	})
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", streamChatBody("stream it"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Proxilion-Streaming"))
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	got := w.Body.String()
	last := -1
	for i := 0; i < chunks; i++ {
		idx := strings.Index(got, fmt.Sprintf(`{"seq":%d}`, i))
		require.GreaterOrEqual(t, idx, 0, "chunk %d missing", i)
		assert.Greater(t, idx, last, "chunk %d out of order", i)
		last = idx
	}

	recs := g.waitAudit(t, 1)
	assert.Equal(t, "stream_completed", recs[0].EventType)

	// Streams are never cached: an identical request goes upstream
	// again.
	w2 := g.serve(t, ts.URL+"/v1/chat/completions", streamChatBody("stream it"), nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.EqualValues(t, 2, hits.Load())
}

func TestServeDeadlineReturns504AndVacatesPool(t *testing.T) {
	ts, _ := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1 * time.Second)
		w.WriteHeader(http.StatusOK)
	})
	g := newTestGateway(t, func(cfg *Config) {
		cfg.RequestTimeout = 100 * time.Millisecond
	})

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("too slow"), nil)

	require.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "upstream-timeout", decodeError(t, w).Code)

	stats := g.pool.GetStats()
	assert.Equal(t, 0, stats["connections"], "timed-out request must not leak its connection")
	g.waitAudit(t, 1)
}

func TestServeRateLimitRejects(t *testing.T) {
	ts, _ := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, func(cfg *Config) {
		cfg.RateLimitPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody(fmt.Sprintf("request %d", i)), nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d within budget", i)
	}

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("request 2"), nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "rate-limited", body.Code)
	assert.GreaterOrEqual(t, body.RetryAfter, 1)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	recs := g.waitAudit(t, 3)
	assert.Equal(t, "rate_limited", recs[2].EventType)
	assert.Equal(t, "reject", recs[2].Decision)
}

func TestServeAuthEnforced(t *testing.T) {
	ts, hits := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, func(cfg *Config) {
		cfg.AuthMode = AuthModeEnforce
		cfg.APIKeys = map[string]Identity{
			"sk-test": {UserID: "alice", Tenant: "acme", Method: AuthMethodAPIKey},
		}
	})

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("anonymous"), nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "auth-required", decodeError(t, w).Code)
	assert.EqualValues(t, 0, hits.Load())

	w = g.serve(t, ts.URL+"/v1/chat/completions", chatBody("authenticated"), map[string]string{
		"X-API-Key": "sk-test",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, hits.Load())

	recs := g.waitAudit(t, 2)
	assert.Equal(t, "alice", recs[1].UserID)
}

func TestServeModifyRedactsRequestBeforeForwarding(t *testing.T) {
	var received string
	ts, hits := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		received = buf.String()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[]}`)
	})
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("contact me at jane.doe@example.com please"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Content-Modified"))
	assert.EqualValues(t, 1, hits.Load())
	assert.NotContains(t, received, "jane.doe@example.com", "upstream must never see the redacted span")
	assert.Contains(t, received, stream.RedactionMarker)

	recs := g.waitAudit(t, 1)
	assert.Equal(t, "modify", recs[0].Decision)
	assert.Equal(t, "default-redact-medium", recs[0].PolicyID)
}

func TestServeResponseRedaction(t *testing.T) {
	ts, _ := jsonUpstream(t, http.StatusOK, `{"choices":[{"message":{"content":"reach us at ops@example.com"}}]}`)
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("who do I email"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Content-Modified"))
	assert.NotContains(t, w.Body.String(), "ops@example.com")
	assert.Contains(t, w.Body.String(), stream.RedactionMarker)

	// The cached entry stores the redacted body, so a hit replays the
	// same rewrite.
	w2 := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("who do I email"), nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "HIT", w2.Header().Get("X-Cache"))
	assert.Equal(t, "true", w2.Header().Get("X-Content-Modified"))
	assert.NotContains(t, w2.Body.String(), "ops@example.com")
}

func TestServeQueueActionParksRequest(t *testing.T) {
	ts, hits := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, nil)
	require.NoError(t, g.policies.Add(&policy.Policy{
		ID:       "queue-everything",
		Name:     "Queue everything",
		Priority: 500,
		Enabled:  true,
		Conditions: []policy.Condition{
			{Field: policy.FieldThreatLevel, Operator: policy.OpLTE, Value: string(model.SeverityCritical)},
		},
		Actions: []policy.Action{policy.ActionQueue},
	}))

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("needs review"), nil)

	require.Equal(t, http.StatusAccepted, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["reviewId"])
	assert.EqualValues(t, 0, hits.Load(), "queued requests must not reach the upstream")

	pending := g.reviews.List(ReviewPending)
	require.Len(t, pending, 1)
	assert.Equal(t, "gpt-4", pending[0].Model)

	recs := g.waitAudit(t, 1)
	assert.Equal(t, "queue", recs[0].Decision)
	assert.Equal(t, "queued", recs[0].EventType)
}

func TestServeRedirectActionSwitchesUpstream(t *testing.T) {
	original, originalHits := jsonUpstream(t, http.StatusOK, `{"from":"original"}`)
	var redirectedPath string
	alternate, alternateHits := countingUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		redirectedPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"from":"alternate"}`)
	})

	g := newTestGateway(t, nil)
	require.NoError(t, g.policies.Add(&policy.Policy{
		ID:       "redirect-everything",
		Name:     "Redirect everything",
		Priority: 500,
		Enabled:  true,
		Conditions: []policy.Condition{
			{Field: policy.FieldThreatLevel, Operator: policy.OpLTE, Value: string(model.SeverityCritical)},
		},
		Actions:  []policy.Action{policy.ActionRedirect},
		Metadata: map[string]string{"redirect_target": alternate.URL},
	}))

	w := g.serve(t, original.URL+"/v1/chat/completions", chatBody("route me"), nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"from":"alternate"}`, w.Body.String())
	assert.EqualValues(t, 0, originalHits.Load())
	assert.EqualValues(t, 1, alternateHits.Load())
	assert.Equal(t, "/v1/chat/completions", redirectedPath, "redirect keeps the original path")

	recs := g.waitAudit(t, 1)
	assert.Equal(t, "redirect", recs[0].Decision)
}

// erroringScanner always fails; the pipeline must absorb it.
type erroringScanner struct{}

func (erroringScanner) ID() string   { return "exploding" }
func (erroringScanner) Name() string { return "Exploding Scanner" }
func (erroringScanner) Scan(context.Context, *model.Request, *scanner.Projection) (model.ScanResult, error) {
	return model.ScanResult{}, errors.New("scanner exploded")
}

func TestServeScannerFailureDoesNotAffectVerdict(t *testing.T) {
	ts, hits := jsonUpstream(t, http.StatusOK, `{"choices":[]}`)
	g := newTestGateway(t, nil)
	g.scanners.Register(erroringScanner{})

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("ordinary question"), nil)

	require.Equal(t, http.StatusOK, w.Code, "a failing scanner must not take the request down")
	assert.EqualValues(t, 1, hits.Load())

	recs := g.waitAudit(t, 1)
	assert.Equal(t, "allow", recs[0].Decision)
	assert.Equal(t, model.SeverityNone, recs[0].ThreatLevel)
}

func TestServeUpstreamErrorStatusPassesThrough(t *testing.T) {
	ts, hits := jsonUpstream(t, http.StatusBadGateway, `{"error":{"message":"upstream exploded"}}`)
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("hello"), nil)

	require.Equal(t, http.StatusBadGateway, w.Code, "vendor error statuses pass through untouched")
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	// Non-200 responses are not cached.
	w2 := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("hello"), nil)
	require.Equal(t, http.StatusBadGateway, w2.Code)
	assert.EqualValues(t, 2, hits.Load())
	g.waitAudit(t, 2)
}

func TestServeEmitsExactlyOneAuditRecordPerRequest(t *testing.T) {
	ts, _ := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, nil)

	bodies := []string{
		chatBody("first"),
		"not json at all",
		chatBody("my ssn is 123-45-6789"),
	}
	for _, b := range bodies {
		g.serve(t, ts.URL+"/v1/chat/completions", b, nil)
	}

	recs := g.waitAudit(t, len(bodies))
	assert.Len(t, recs, len(bodies))
	seen := make(map[string]bool, len(recs))
	for _, rec := range recs {
		assert.False(t, seen[rec.RequestID], "duplicate audit record for request %s", rec.RequestID)
		seen[rec.RequestID] = true
		assert.NotEmpty(t, rec.CorrelationID)
		assert.NotZero(t, rec.Timestamp)
	}
}

func TestServeCorrelationIDPropagation(t *testing.T) {
	ts, _ := jsonUpstream(t, http.StatusOK, `{}`)
	g := newTestGateway(t, nil)

	w := g.serve(t, ts.URL+"/v1/chat/completions", chatBody("trace me"), map[string]string{
		"X-Correlation-ID": "corr-1234",
	})

	require.Equal(t, http.StatusOK, w.Code)
	recs := g.waitAudit(t, 1)
	assert.Equal(t, "corr-1234", recs[0].CorrelationID)
}
