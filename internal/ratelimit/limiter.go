// Package ratelimit enforces the per-channel send rates as one-minute
// fixed-window counters, backed by Redis (the same go-redis/redis/v8
// client kolajAi/internal/services/health_service.go dials for its
// RedisHealthCheck) with an in-memory fallback for local/dev use.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"notifyhub/internal/errs"
)

// Limiter enforces a fixed budget of events per one-minute window for a
// given key (typically a channel, or channel+user for in_app). Windows
// are aligned to the clock minute and the count resets at each minute
// boundary; it does not slide, so up to twice the budget can pass
// within one minute that straddles a boundary.
type Limiter interface {
	Allow(ctx context.Context, key string, limitPerMin int) error
}

// RedisLimiter implements a one-minute fixed-window counter per key
// using INCR+EXPIRE, cheap enough to check on every job dequeue.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limitPerMin int) error {
	if limitPerMin <= 0 {
		return nil
	}
	window := time.Now().UTC().Truncate(time.Minute).Unix()
	redisKey := fmt.Sprintf("ratelimit:%s:%d", key, window)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return errs.Wrap(errs.Internal, err, "rate limiter unavailable")
	}
	if count == 1 {
		l.client.Expire(ctx, redisKey, 90*time.Second)
	}
	if count > int64(limitPerMin) {
		return errs.New(errs.RateLimited, fmt.Sprintf("%s exceeded %d/min", key, limitPerMin))
	}
	return nil
}

// MemLimiter is an in-process fixed-window limiter for tests and
// single-instance deployments without Redis.
type MemLimiter struct {
	mu       sync.Mutex
	counters map[string]*windowCount
}

type windowCount struct {
	window int64
	count  int
}

func NewMemLimiter() *MemLimiter {
	return &MemLimiter{counters: make(map[string]*windowCount)}
}

func (l *MemLimiter) Allow(_ context.Context, key string, limitPerMin int) error {
	if limitPerMin <= 0 {
		return nil
	}
	window := time.Now().UTC().Truncate(time.Minute).Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	wc, ok := l.counters[key]
	if !ok || wc.window != window {
		wc = &windowCount{window: window}
		l.counters[key] = wc
	}
	wc.count++
	if wc.count > limitPerMin {
		return errs.New(errs.RateLimited, fmt.Sprintf("%s exceeded %d/min", key, limitPerMin))
	}
	return nil
}
