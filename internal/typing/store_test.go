package typing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and cleans
// leftover test keys. Tests that call this helper require a running Redis on
// localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, keyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client)
}

func testConvID() string {
	return "test_" + uuid.New().String()
}

func TestSetAndListActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID := testConvID()

	if err := s.Set(ctx, convID, "user-b"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := s.Set(ctx, convID, "user-a"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	active, err := s.ListActive(ctx, convID)
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active flags, got %d", len(active))
	}
	// Stable ordering by user id.
	if active[0].UserID != "user-a" || active[1].UserID != "user-b" {
		t.Errorf("expected [user-a user-b], got [%s %s]", active[0].UserID, active[1].UserID)
	}
	for _, f := range active {
		if f.ConversationID != convID {
			t.Errorf("expected conversation %s, got %s", convID, f.ConversationID)
		}
	}
}

func TestListActive_ExpiredFlagFilteredLazily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID := testConvID()
	base := time.Now()

	// One flag set 6s ago (expired), one set just now.
	s.now = func() time.Time { return base.Add(-6 * time.Second) }
	if err := s.Set(ctx, convID, "stale"); err != nil {
		t.Fatalf("Set(stale) error: %v", err)
	}
	s.now = func() time.Time { return base }
	if err := s.Set(ctx, convID, "fresh"); err != nil {
		t.Fatalf("Set(fresh) error: %v", err)
	}

	active, err := s.ListActive(ctx, convID)
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "fresh" {
		t.Fatalf("expected only the fresh flag, got %+v", active)
	}

	// The stale field still sits in the hash; expiry is read-time only.
	n, err := s.client.HLen(ctx, keyPrefix+convID).Result()
	if err != nil {
		t.Fatalf("HLen() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 stored fields, got %d", n)
	}
}

func TestSet_RepeatExtendsExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	convID := testConvID()
	base := time.Now()

	s.now = func() time.Time { return base.Add(-4 * time.Second) }
	if err := s.Set(ctx, convID, "u1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	s.now = func() time.Time { return base }
	if err := s.Set(ctx, convID, "u1"); err != nil {
		t.Fatalf("repeat Set() error: %v", err)
	}

	// At base+4s the original flag would have expired; the refresh keeps it.
	s.now = func() time.Time { return base.Add(4 * time.Second) }
	active, err := s.ListActive(ctx, convID)
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 1 || active[0].UserID != "u1" {
		t.Fatalf("expected the refreshed flag to remain active, got %+v", active)
	}
}

func TestListActive_EmptyConversation(t *testing.T) {
	s := newTestStore(t)

	active, err := s.ListActive(context.Background(), testConvID())
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no flags, got %+v", active)
	}
}
