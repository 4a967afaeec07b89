package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client)
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := "test_" + uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < rule.Limit; i++ {
		allowed, err := l.Allow(ctx, id, rule)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i+1, err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestAllow_BlocksOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := "test_" + uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}

	l.Allow(ctx, id, rule)
	l.Allow(ctx, id, rule)

	allowed, err := l.Allow(ctx, id, rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Error("request over the limit should be blocked")
	}
}

func TestAllow_IndependentIdentifiers(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 1, Window: time.Minute}

	first := "test_" + uuid.New().String()
	second := "test_" + uuid.New().String()

	l.Allow(ctx, first, rule)
	if allowed, _ := l.Allow(ctx, first, rule); allowed {
		t.Error("first identifier should be exhausted")
	}
	if allowed, _ := l.Allow(ctx, second, rule); !allowed {
		t.Error("second identifier must not share the first's counter")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	id := "test_" + uuid.New().String()
	rule := Rule{Key: "rl:test:", Limit: 5, Window: time.Minute}

	remaining, err := l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != rule.Limit {
		t.Errorf("untouched identifier: expected %d remaining, got %d", rule.Limit, remaining)
	}

	l.Allow(ctx, id, rule)
	l.Allow(ctx, id, rule)

	remaining, err = l.Remaining(ctx, id, rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != 3 {
		t.Errorf("expected 3 remaining after 2 requests, got %d", remaining)
	}
}
