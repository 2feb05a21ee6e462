// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package upstream

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"proxilion/gateway/shared/logger"
)

// Registry defaults.
const (
	DefaultMaxBreakers   = 1000
	DefaultBreakerIdle   = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// RegistryConfig bounds the set of live breakers.
type RegistryConfig struct {
	Breaker       BreakerConfig
	MaxBreakers   int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Registry holds one breaker per upstream host. Breakers are created
// lazily, capped by an LRU bound, and swept when a host has been quiet
// beyond the idle timeout.
type Registry struct {
	mu       sync.Mutex
	breakers *lru.Cache
	cfg      RegistryConfig
	done     chan struct{}
	once     sync.Once
	log      *logger.Logger
}

// NewRegistry creates the registry and starts its idle sweeper.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxBreakers <= 0 {
		cfg.MaxBreakers = DefaultMaxBreakers
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultBreakerIdle
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	cache, err := lru.New(cfg.MaxBreakers)
	if err != nil {
		// Only reachable with a non-positive size, which defaulting
		// rules out.
		panic(err)
	}
	r := &Registry{
		breakers: cache,
		cfg:      cfg,
		done:     make(chan struct{}),
		log:      logger.New("breaker-registry"),
	}
	go r.sweepLoop()
	return r
}

// For returns the host's breaker, creating it on first sight. When the
// registry is full the least recently used breaker is evicted to make
// room; a later request for that host starts over with a fresh closed
// breaker.
func (r *Registry) For(host string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.breakers.Get(host); ok {
		return v.(*Breaker)
	}
	b := NewBreaker(host, r.cfg.Breaker)
	r.breakers.Add(host, b)
	return b
}

// Len returns the number of tracked hosts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.breakers.Len()
}

// Close stops the sweeper.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

// GetStats returns per-state counts for the status surface.
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.Lock()
	keys := r.breakers.Keys()
	states := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := r.breakers.Peek(k); ok {
			states[k.(string)] = string(v.(*Breaker).State())
		}
	}
	r.mu.Unlock()

	counts := map[string]int{}
	for _, s := range states {
		counts[s]++
	}
	return map[string]interface{}{
		"breakers":  len(states),
		"max":       r.cfg.MaxBreakers,
		"closed":    counts[string(StateClosed)],
		"open":      counts[string(StateOpen)],
		"half_open": counts[string(StateHalfOpen)],
		"states":    states,
	}
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep drops breakers whose hosts have been idle beyond the timeout.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.IdleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for _, k := range r.breakers.Keys() {
		v, ok := r.breakers.Peek(k)
		if !ok {
			continue
		}
		if v.(*Breaker).LastAccess().Before(cutoff) {
			r.breakers.Remove(k)
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("", "swept idle circuit breakers", map[string]interface{}{
			"removed":   removed,
			"remaining": r.breakers.Len(),
		})
	}
}
