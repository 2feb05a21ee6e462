// Copyright 2025 Proxilion
// SPDX-License-Identifier: BUSL-1.1

package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"proxilion/gateway/shared/logger"
)

// Rate limiter defaults.
const (
	DefaultRequestsPerMinute = 60

	rateLimitWindow    = time.Minute
	rateLimitKeyPrefix = "ratelimit:"

	// maxTrackedWindows caps the in-memory key map; expired windows are
	// purged when the cap is hit.
	maxTrackedWindows = 10000
)

// fixedWindow is the in-process fallback counter for one key.
type fixedWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces a per-identity request budget over a one-minute
// window. With a Redis client the window slides (sorted-set timestamps,
// shared across gateway instances); without one, or when Redis fails,
// an in-process fixed window takes over so a Redis outage never blocks
// traffic.
type RateLimiter struct {
	client *redis.Client
	limit  int
	log    *logger.Logger

	mu      sync.Mutex
	windows map[string]*fixedWindow

	allowed     uint64
	limited     uint64
	redisErrors uint64
}

// NewRateLimiter creates a limiter. A nil client keeps it fully
// in-process; perMinute <= 0 disables limiting.
func NewRateLimiter(client *redis.Client, perMinute int) *RateLimiter {
	return &RateLimiter{
		client:  client,
		limit:   perMinute,
		log:     logger.New("ratelimit"),
		windows: make(map[string]*fixedWindow),
	}
}

// Allow reports whether the key may proceed. When the budget is spent it
// returns false and how long the caller should wait before retrying.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if rl.limit <= 0 || key == "" {
		return true, 0, nil
	}
	if rl.client == nil {
		return rl.allowMemory(key)
	}
	return rl.allowRedis(ctx, key)
}

// allowRedis runs the sliding-window check as one pipeline: drop
// timestamps older than the window, count what remains, record this
// request, refresh the key TTL. The count is taken before the new
// timestamp lands, so the budget admits exactly limit requests per
// window.
func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, time.Duration, error) {
	now := time.Now()
	rkey := rateLimitKeyPrefix + key

	pipe := rl.client.Pipeline()
	minScore := now.Add(-rateLimitWindow).Unix()
	pipe.ZRemRangeByScore(ctx, rkey, "0", fmt.Sprintf("%d", minScore))
	countCmd := pipe.ZCard(ctx, rkey)
	pipe.ZAdd(ctx, rkey, &redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, rkey, 2*rateLimitWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		// Redis trouble must not take the gateway down: fall back to the
		// in-process window and keep serving.
		atomic.AddUint64(&rl.redisErrors, 1)
		rl.log.WarnWithError("", "Redis rate limit check failed, using in-memory window", err, map[string]interface{}{
			"key": key,
		})
		return rl.allowMemory(key)
	}

	if count := countCmd.Val(); count >= int64(rl.limit) {
		atomic.AddUint64(&rl.limited, 1)
		retryAfter := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		return false, retryAfter, nil
	}
	atomic.AddUint64(&rl.allowed, 1)
	return true, 0, nil
}

func (rl *RateLimiter) allowMemory(key string) (bool, time.Duration, error) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		if !ok && len(rl.windows) >= maxTrackedWindows {
			rl.purgeLocked(now)
		}
		rl.windows[key] = &fixedWindow{count: 1, resetAt: now.Add(rateLimitWindow)}
		atomic.AddUint64(&rl.allowed, 1)
		return true, 0, nil
	}
	if w.count >= rl.limit {
		atomic.AddUint64(&rl.limited, 1)
		return false, w.resetAt.Sub(now), nil
	}
	w.count++
	atomic.AddUint64(&rl.allowed, 1)
	return true, 0, nil
}

// purgeLocked drops expired windows. Caller holds mu.
func (rl *RateLimiter) purgeLocked(now time.Time) {
	for k, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, k)
		}
	}
}

// GetStats returns limiter counters for the status surface.
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	trackedKeys := len(rl.windows)
	rl.mu.Unlock()

	return map[string]interface{}{
		"limit_per_minute": rl.limit,
		"backend":          rl.backendName(),
		"allowed":          atomic.LoadUint64(&rl.allowed),
		"limited":          atomic.LoadUint64(&rl.limited),
		"redis_errors":     atomic.LoadUint64(&rl.redisErrors),
		"tracked_keys":     trackedKeys,
	}
}

func (rl *RateLimiter) backendName() string {
	if rl.client != nil {
		return "redis"
	}
	return "memory"
}
