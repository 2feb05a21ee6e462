// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package dedup

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"proxilion/gateway/shared/logger"
)

// DefaultTimeout bounds how long a waiter stays attached to an in-flight
// entry.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned to waiters whose entry expired before the
// producer delivered.
var ErrTimeout = errors.New("dedup: timed out waiting for in-flight request")

// Config controls the deduplicator.
type Config struct {
	// Timeout expires in-flight entries. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Deduplicator collapses concurrent identical requests onto a single
// upstream call. The first caller for a fingerprint runs the producer;
// every caller that arrives while it is in flight receives the same
// result or error.
type Deduplicator struct {
	group   singleflight.Group
	timeout time.Duration
	log     *logger.Logger

	executions uint64
	coalesced  uint64
	timeouts   uint64
	inflight   int64
}

// New creates a deduplicator.
func New(cfg Config) *Deduplicator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Deduplicator{
		timeout: timeout,
		log:     logger.New("dedup"),
	}
}

// Execute runs producer under the fingerprint key, coalescing concurrent
// callers. The second return value reports whether the result was shared
// with other callers.
//
// A waiter detaches when its context ends. When the entry itself exceeds
// the timeout it is forgotten: every attached waiter receives ErrTimeout
// and the next request for the fingerprint starts a fresh producer. An
// abandoned producer finishes in the background; its result is discarded.
func (d *Deduplicator) Execute(ctx context.Context, fingerprint string, producer func() (interface{}, error)) (interface{}, bool, error) {
	ch := d.group.DoChan(fingerprint, func() (interface{}, error) {
		atomic.AddUint64(&d.executions, 1)
		atomic.AddInt64(&d.inflight, 1)
		defer atomic.AddInt64(&d.inflight, -1)
		return producer()
	})

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Shared {
			atomic.AddUint64(&d.coalesced, 1)
		}
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timer.C:
		d.group.Forget(fingerprint)
		atomic.AddUint64(&d.timeouts, 1)
		d.log.Warn("", "In-flight entry expired, detaching waiters", map[string]interface{}{
			"fingerprint":     fingerprint,
			"timeout_seconds": d.timeout.Seconds(),
		})
		return nil, false, ErrTimeout
	}
}

// GetStats returns counters for the status surface.
func (d *Deduplicator) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"executions":         atomic.LoadUint64(&d.executions),
		"coalesced_waiters":  atomic.LoadUint64(&d.coalesced),
		"timeouts":           atomic.LoadUint64(&d.timeouts),
		"inflight_producers": atomic.LoadInt64(&d.inflight),
	}
}
