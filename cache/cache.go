// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package cache

import (
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"

	"proxilion/gateway/shared/logger"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxEntries = 1000
	DefaultMaxBytes   = 100 << 20 // 100 MiB
	DefaultTTL        = 5 * time.Minute
)

// Config bounds the cache.
type Config struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
}

// Entry is one stored upstream response. Entries are immutable once
// stored; callers must not modify Body or Header.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time

	size int64
}

// Size reports the accounted heap footprint of the entry.
func (e *Entry) Size() int64 {
	return e.size
}

// entryOverhead approximates per-entry bookkeeping cost beyond the body.
const entryOverhead = 256

// Cache stores successful upstream responses keyed by request
// fingerprint. Eviction is strict LRU, bounded by both entry count and
// total bytes; expired entries are removed on access. The cache never
// fails the pipeline: lookups that cannot be served report a miss.
type Cache struct {
	mu  sync.Mutex
	lru *simplelru.LRU

	maxEntries int
	maxBytes   int64
	ttl        time.Duration

	bytes     int64
	hits      uint64
	misses    uint64
	evictions uint64

	log *logger.Logger
}

// New creates a bounded cache. Zero config fields fall back to the
// package defaults.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	c := &Cache{
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		ttl:        cfg.TTL,
		log:        logger.New("cache"),
	}
	// NewLRU only errors on a non-positive size, which is guarded above.
	c.lru, _ = simplelru.NewLRU(cfg.MaxEntries, func(key, value interface{}) {
		if e, ok := value.(*Entry); ok {
			c.bytes -= e.size
		}
	})
	return c
}

// Get returns the entry for a fingerprint, refreshing its recency.
// Expired entries are removed synchronously and reported as a miss.
func (c *Cache) Get(fingerprint string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, ok := c.lru.Get(fingerprint)
	if !ok {
		c.misses++
		return nil, false
	}
	entry := value.(*Entry)
	if time.Since(entry.StoredAt) > c.ttl {
		c.lru.Remove(fingerprint)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry, true
}

// Set stores an entry. Entries larger than the byte bound are never
// stored. Eviction runs inline until both the entry and byte bounds
// hold.
func (c *Cache) Set(fingerprint string, entry *Entry) {
	if entry == nil {
		return
	}
	entry.size = int64(len(entry.Body)) + entryOverhead
	for _, values := range entry.Header {
		for _, v := range values {
			entry.size += int64(len(v))
		}
	}
	if entry.size > c.maxBytes {
		return
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing key first releases its accounted bytes.
	if prev, ok := c.lru.Peek(fingerprint); ok {
		if e, ok := prev.(*Entry); ok {
			c.bytes -= e.size
		}
	}
	if evicted := c.lru.Add(fingerprint, entry); evicted {
		c.evictions++
	}
	c.bytes += entry.size

	for c.bytes > c.maxBytes && c.lru.Len() > 0 {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evictions++
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := c.lru.Len()
	c.lru.Purge()
	c.bytes = 0
	c.log.Info("", "Cache cleared", map[string]interface{}{"dropped_entries": dropped})
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// GetStats returns hit/miss/eviction counters and occupancy for the
// status surface.
func (c *Cache) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"entries":     c.lru.Len(),
		"max_entries": c.maxEntries,
		"bytes":       c.bytes,
		"max_bytes":   c.maxBytes,
		"hits":        c.hits,
		"misses":      c.misses,
		"evictions":   c.evictions,
		"hit_rate":    hitRate,
		"ttl_seconds": c.ttl.Seconds(),
	}
}
