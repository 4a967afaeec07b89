package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/johnvesslyalti/tars-chat/internal/ratelimit"
)

// newTestLimiter creates a Limiter connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return ratelimit.NewLimiter(client)
}

func TestHandleUpgrade_ConnectionRateLimited(t *testing.T) {
	limiter := newTestLimiter(t)
	s := NewServer(DefaultServerConfig(), nil, nil)
	s.SetLimiter(limiter)

	host := "test_" + uuid.New().String()
	ctx := context.Background()

	// Exhaust the per-IP connection budget.
	for i := 0; i < ratelimit.RuleConnect.Limit; i++ {
		if allowed, err := limiter.Allow(ctx, host, ratelimit.RuleConnect); err != nil || !allowed {
			t.Fatalf("warmup request %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = host + ":40123"
	rec := httptest.NewRecorder()
	s.handleUpgrade(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d over the limit, got %d", http.StatusTooManyRequests, rec.Code)
	}
}

func TestHandleUpgrade_FreshClientNotRateLimited(t *testing.T) {
	limiter := newTestLimiter(t)
	s := NewServer(DefaultServerConfig(), nil, nil)
	s.SetLimiter(limiter)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "test_" + uuid.New().String() + ":40123"
	rec := httptest.NewRecorder()

	// The handshake itself fails against a recorder, but a fresh client must
	// get past the limiter.
	s.handleUpgrade(rec, req)
	if rec.Code == http.StatusTooManyRequests {
		t.Error("fresh client must not be rate limited")
	}
}
