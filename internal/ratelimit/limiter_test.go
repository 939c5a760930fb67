package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"notifyhub/internal/errs"
)

func newTestRedisLimiter(t *testing.T) *RedisLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client)
}

func TestRedisLimiter_AllowsWithinBudget(t *testing.T) {
	l := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Allow(ctx, "email", 3); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
	}
}

func TestRedisLimiter_DeniesOverBudget(t *testing.T) {
	l := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Allow(ctx, "email", 3); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
	}
	err := l.Allow(ctx, "email", 3)
	if errs.KindOf(err) != errs.RateLimited {
		t.Fatalf("expected RateLimited past budget, got %v", err)
	}
}

func TestRedisLimiter_ZeroLimitNeverDenies(t *testing.T) {
	l := newTestRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.Allow(ctx, "in_app", 0); err != nil {
			t.Fatalf("expected a zero limit to always allow, got %v", err)
		}
	}
}

func TestRedisLimiter_KeysAreIndependent(t *testing.T) {
	l := newTestRedisLimiter(t)
	ctx := context.Background()

	if err := l.Allow(ctx, "sms", 1); err != nil {
		t.Fatalf("allow sms: %v", err)
	}
	if err := l.Allow(ctx, "push", 1); err != nil {
		t.Fatalf("allow push (separate key): %v", err)
	}
}

func TestMemLimiter_AllowsWithinBudgetAndDeniesOverIt(t *testing.T) {
	l := NewMemLimiter()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Allow(ctx, "email", 2); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
	}
	err := l.Allow(ctx, "email", 2)
	if errs.KindOf(err) != errs.RateLimited {
		t.Fatalf("expected RateLimited past budget, got %v", err)
	}
}

func TestMemLimiter_ZeroLimitNeverDenies(t *testing.T) {
	l := NewMemLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.Allow(ctx, "in_app", 0); err != nil {
			t.Fatalf("expected a zero limit to always allow, got %v", err)
		}
	}
}
