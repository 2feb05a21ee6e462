// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package upstream

import (
	"errors"
	"sync"
	"time"

	"proxilion/gateway/shared/logger"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenDuration     = 60 * time.Second
)

// ErrCircuitOpen is returned by Allow while a host's breaker is open, or
// while another caller holds the single half-open trial slot.
var ErrCircuitOpen = errors.New("upstream: circuit open")

// BreakerState is the current position of a breaker's state machine.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes one breaker's thresholds.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenDuration     time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = DefaultOpenDuration
	}
	return c
}

// Breaker guards one upstream host. Consecutive transport failures trip
// it open; after the open duration a single trial request at a time
// probes the host, and enough trial successes close it again.
type Breaker struct {
	mu   sync.Mutex
	host string
	cfg  BreakerConfig
	log  *logger.Logger

	state       BreakerState
	failures    int
	successes   int
	openedAt    time.Time
	trialActive bool
	lastAccess  time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker for the host.
func NewBreaker(host string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		host:       host,
		cfg:        cfg.withDefaults(),
		log:        logger.New("breaker"),
		state:      StateClosed,
		lastAccess: time.Now(),
		now:        time.Now,
	}
}

// Allow reports whether a request may proceed. In the half-open state at
// most one caller at a time is granted the trial slot; the slot is freed
// by the matching RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = b.now()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.successes = 0
		b.trialActive = true
		return nil
	case StateHalfOpen:
		if b.trialActive {
			return ErrCircuitOpen
		}
		b.trialActive = true
		return nil
	}
	return nil
}

// RecordSuccess reports a completed upstream exchange.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = b.now()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialActive = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure reports a counted failure: a transport error or a pool
// acquire timeout. In the closed state enough consecutive failures trip
// the breaker; any failure during a half-open trial reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastAccess = b.now()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
			b.openedAt = b.now()
		}
	case StateHalfOpen:
		b.trialActive = false
		b.successes = 0
		b.transitionLocked(StateOpen)
		b.openedAt = b.now()
	}
}

// State returns the breaker's current state, applying the open duration
// lazily so callers observe half-open once the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		return StateHalfOpen
	}
	return b.state
}

// LastAccess returns when the breaker last saw traffic.
func (b *Breaker) LastAccess() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastAccess
}

func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	b.state = to
	b.log.Info("", "circuit state change", map[string]interface{}{
		"host": b.host,
		"from": string(from),
		"to":   string(to),
	})
}
