// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"proxilion/gateway/model"
	"proxilion/gateway/shared/logger"
)

// Audit queue defaults.
const (
	DefaultAuditQueueSize = 1000
	DefaultAuditWorkers   = 2

	// DefaultRedisAuditKey is the list the Redis sink pushes onto.
	DefaultRedisAuditKey = "audit:records"

	auditMaxRetries  = 3
	auditEmitTimeout = 5 * time.Second
)

// AuditSink delivers one record to its destination. Implementations must
// be safe for concurrent use by the queue workers.
type AuditSink interface {
	Name() string
	Emit(ctx context.Context, rec *model.AuditRecord) error
}

// StdoutSink writes records as single-line JSON, one record per line.
type StdoutSink struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutSink creates the default sink writing to stdout.
func NewStdoutSink() *StdoutSink {
	return &StdoutSink{out: os.Stdout}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Emit(_ context.Context, rec *model.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintf(s.out, "%s\n", data)
	return err
}

// RedisListSink pushes records onto a Redis list for SIEM collectors to
// drain.
type RedisListSink struct {
	client *redis.Client
	key    string
}

// NewRedisListSink creates a sink over the given client. An empty key
// selects DefaultRedisAuditKey.
func NewRedisListSink(client *redis.Client, key string) *RedisListSink {
	if key == "" {
		key = DefaultRedisAuditKey
	}
	return &RedisListSink{client: client, key: key}
}

func (s *RedisListSink) Name() string { return "redis" }

func (s *RedisListSink) Emit(ctx context.Context, rec *model.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return s.client.LPush(ctx, s.key, data).Err()
}

// MultiSink fans one record out to several sinks. Every sink sees the
// record; the first error is reported.
type MultiSink struct {
	sinks []AuditSink
}

func NewMultiSink(sinks ...AuditSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Name() string { return "multi" }

func (s *MultiSink) Emit(ctx context.Context, rec *model.AuditRecord) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, rec); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}
	return firstErr
}

// AuditQueue decouples record delivery from the request path. Emit never
// blocks: a full queue drops the record and counts the drop. Workers
// retry failed deliveries with backoff; records that exhaust their
// retries are appended to a JSONL fallback file so no record is silently
// lost to a sink outage.
type AuditQueue struct {
	sink         AuditSink
	queue        chan *model.AuditRecord
	workers      int
	wg           sync.WaitGroup
	fallbackFile *os.File
	mu           sync.Mutex
	log          *logger.Logger

	closed atomic.Bool

	queued    uint64
	processed uint64
	failed    uint64
	dropped   uint64
}

// NewAuditQueue starts the worker pool. The fallback file is opened
// append-only; records land there when the sink stays unreachable or
// shutdown drains an unfinished queue.
func NewAuditQueue(sink AuditSink, queueSize, workers int, fallbackPath string) (*AuditQueue, error) {
	if queueSize <= 0 {
		queueSize = DefaultAuditQueueSize
	}
	if workers <= 0 {
		workers = DefaultAuditWorkers
	}

	fallbackFile, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit fallback file: %w", err)
	}

	aq := &AuditQueue{
		sink:         sink,
		queue:        make(chan *model.AuditRecord, queueSize),
		workers:      workers,
		fallbackFile: fallbackFile,
		log:          logger.New("audit"),
	}

	for i := 0; i < workers; i++ {
		aq.wg.Add(1)
		go aq.worker(i)
	}

	aq.log.Info("", "Audit queue started", map[string]interface{}{
		"sink":       sink.Name(),
		"queue_size": queueSize,
		"workers":    workers,
		"fallback":   fallbackPath,
	})
	return aq, nil
}

// Emit hands a record to the queue. Records arriving after shutdown go
// straight to the fallback file.
func (aq *AuditQueue) Emit(rec *model.AuditRecord) {
	if rec == nil {
		return
	}
	if aq.closed.Load() {
		aq.writeFallback(rec)
		return
	}
	select {
	case aq.queue <- rec:
		atomic.AddUint64(&aq.queued, 1)
	default:
		atomic.AddUint64(&aq.dropped, 1)
		auditDroppedTotal.Inc()
		aq.log.Warn(rec.CorrelationID, "Audit queue full, dropping record", map[string]interface{}{
			"queue_size": cap(aq.queue),
		})
	}
}

// worker drains the queue, retrying each record before falling back.
func (aq *AuditQueue) worker(id int) {
	defer aq.wg.Done()

	for rec := range aq.queue {
		var err error
		for retry := 0; retry < auditMaxRetries; retry++ {
			ctx, cancel := context.WithTimeout(context.Background(), auditEmitTimeout)
			err = aq.sink.Emit(ctx, rec)
			cancel()
			if err == nil {
				atomic.AddUint64(&aq.processed, 1)
				break
			}
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
		}

		if err != nil {
			atomic.AddUint64(&aq.failed, 1)
			auditFallbackTotal.Inc()
			aq.log.WarnWithError(rec.CorrelationID, "Audit delivery failed, writing to fallback", err, map[string]interface{}{
				"worker": id,
				"sink":   aq.sink.Name(),
			})
			aq.writeFallback(rec)
		}
	}
}

// writeFallback appends the record to the JSONL fallback file.
func (aq *AuditQueue) writeFallback(rec *model.AuditRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		aq.log.WarnWithError(rec.CorrelationID, "Failed to marshal audit record for fallback", err, nil)
		return
	}
	aq.mu.Lock()
	defer aq.mu.Unlock()
	if _, err := fmt.Fprintf(aq.fallbackFile, "%s\n", data); err != nil {
		aq.log.WarnWithError(rec.CorrelationID, "Failed to write audit fallback", err, nil)
		return
	}
	if err := aq.fallbackFile.Sync(); err != nil {
		aq.log.WarnWithError(rec.CorrelationID, "Failed to sync audit fallback", err, nil)
	}
}

// Shutdown stops intake and waits for the workers to drain the queue.
// When ctx expires first, the remaining records are saved to the
// fallback file.
func (aq *AuditQueue) Shutdown(ctx context.Context) error {
	if aq.closed.Swap(true) {
		return nil
	}
	close(aq.queue)

	done := make(chan struct{})
	go func() {
		aq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		aq.log.Info("", "Audit queue shutdown complete", map[string]interface{}{
			"processed": atomic.LoadUint64(&aq.processed),
			"failed":    atomic.LoadUint64(&aq.failed),
			"dropped":   atomic.LoadUint64(&aq.dropped),
		})
		return aq.fallbackFile.Close()
	case <-ctx.Done():
		saved := 0
		for rec := range aq.queue {
			aq.writeFallback(rec)
			saved++
		}
		aq.log.Warn("", "Audit queue shutdown timed out, drained to fallback", map[string]interface{}{
			"saved": saved,
		})
		return ctx.Err()
	}
}

// GetStats returns queue counters for the status surface.
func (aq *AuditQueue) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"sink":      aq.sink.Name(),
		"queued":    atomic.LoadUint64(&aq.queued),
		"processed": atomic.LoadUint64(&aq.processed),
		"failed":    atomic.LoadUint64(&aq.failed),
		"dropped":   atomic.LoadUint64(&aq.dropped),
		"pending":   len(aq.queue),
	}
}
