package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
)

// newTestStore creates a Store connected to a local Redis instance and cleans
// leftover test records. Tests that call this helper require a running Redis
// on localhost:6379.
func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	clean := func() {
		iter := client.Scan(ctx, 0, keyPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			client.Del(ctx, key)
			client.SRem(ctx, indexKey, key[len(keyPrefix):])
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewStore(client), client
}

func testUserID() string {
	return "test_" + uuid.New().String()
}

func TestHeartbeat_UpsertsRecord(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	uid := testUserID()

	if err := s.Heartbeat(ctx, uid, true); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}

	p, err := s.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !p.IsOnline {
		t.Error("expected is_online after heartbeat")
	}
	if !p.Online(time.Now()) {
		t.Error("expected a fresh heartbeat to count as online")
	}

	// A second heartbeat with online=false flips the flag in place.
	if err := s.Heartbeat(ctx, uid, false); err != nil {
		t.Fatalf("Heartbeat(offline) error: %v", err)
	}
	p, err = s.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if p.IsOnline {
		t.Error("expected is_online=false after offline heartbeat")
	}
}

func TestGet_UnknownUser(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Get(context.Background(), testUserID())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList_IncludesHeartbeatedUsers(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	online, offline := testUserID(), testUserID()
	if err := s.Heartbeat(ctx, online, true); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}
	if err := s.Heartbeat(ctx, offline, false); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}

	records, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}

	byID := map[string]domain.Presence{}
	for _, p := range records {
		byID[p.UserID] = p
	}
	if p, ok := byID[online]; !ok || !p.IsOnline {
		t.Errorf("expected %s online in listing, got %+v", online, p)
	}
	if p, ok := byID[offline]; !ok || p.IsOnline {
		t.Errorf("expected %s offline in listing, got %+v", offline, p)
	}
}

func TestSweepStale_FlipsOnlyStaleRecords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	stale, fresh, alreadyOff := testUserID(), testUserID(), testUserID()
	base := time.Now()

	// The stale user's last heartbeat is 16s in the past.
	s.now = func() time.Time { return base.Add(-16 * time.Second) }
	if err := s.Heartbeat(ctx, stale, true); err != nil {
		t.Fatalf("Heartbeat(stale) error: %v", err)
	}

	s.now = func() time.Time { return base }
	if err := s.Heartbeat(ctx, fresh, true); err != nil {
		t.Fatalf("Heartbeat(fresh) error: %v", err)
	}
	if err := s.Heartbeat(ctx, alreadyOff, false); err != nil {
		t.Fatalf("Heartbeat(offline) error: %v", err)
	}

	flipped, err := s.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale() error: %v", err)
	}

	flippedSet := map[string]bool{}
	for _, uid := range flipped {
		flippedSet[uid] = true
	}
	if !flippedSet[stale] {
		t.Errorf("expected %s to be flipped offline", stale)
	}
	if flippedSet[fresh] {
		t.Errorf("fresh user %s must not be flipped", fresh)
	}
	if flippedSet[alreadyOff] {
		t.Errorf("already-offline user %s must not be reported", alreadyOff)
	}

	p, err := s.Get(ctx, stale)
	if err != nil {
		t.Fatalf("Get(stale) error: %v", err)
	}
	if p.IsOnline {
		t.Error("expected stale record to be offline after the sweep")
	}
	p, err = s.Get(ctx, fresh)
	if err != nil {
		t.Fatalf("Get(fresh) error: %v", err)
	}
	if !p.IsOnline {
		t.Error("expected fresh record to stay online")
	}
}

func TestSweepStale_RenewedHeartbeatSurvives(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	uid := testUserID()
	base := time.Now()

	// An old heartbeat followed by a renewal inside the window.
	s.now = func() time.Time { return base.Add(-20 * time.Second) }
	if err := s.Heartbeat(ctx, uid, true); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}
	s.now = func() time.Time { return base.Add(-3 * time.Second) }
	if err := s.Heartbeat(ctx, uid, true); err != nil {
		t.Fatalf("renewed Heartbeat() error: %v", err)
	}

	s.now = func() time.Time { return base }
	flipped, err := s.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale() error: %v", err)
	}
	for _, f := range flipped {
		if f == uid {
			t.Fatalf("renewed user %s must not be flipped", uid)
		}
	}

	p, err := s.Get(ctx, uid)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !p.IsOnline {
		t.Error("expected renewed record to stay online")
	}
}

func TestSweeper_LockSkipsConcurrentCycle(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()
	uid := testUserID()

	s.now = func() time.Time { return time.Now().Add(-16 * time.Second) }
	if err := s.Heartbeat(ctx, uid, true); err != nil {
		t.Fatalf("Heartbeat() error: %v", err)
	}
	s.now = time.Now

	// Simulate another instance holding the lock: this cycle must not sweep.
	if err := client.Set(ctx, lockKey, "1", lockTTL).Err(); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	var flips []string
	sw := NewSweeper(s, client, func(userIDs []string) { flips = append(flips, userIDs...) })
	sw.sweepOnce(ctx)
	if len(flips) != 0 {
		t.Fatalf("expected no flips while the lock is held, got %v", flips)
	}

	// Lock released: the next cycle sweeps and reports the stale user.
	if err := client.Del(ctx, lockKey).Err(); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	sw.sweepOnce(ctx)

	found := false
	for _, f := range flips {
		if f == uid {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in flip callback, got %v", uid, flips)
	}
}

func TestSweeper_ReleaseOnlyDeletesOwnLock(t *testing.T) {
	s, client := newTestStore(t)
	ctx := context.Background()
	sw := NewSweeper(s, client, nil)
	t.Cleanup(func() { client.Del(ctx, lockKey) })

	// Another instance holds the lock under its own token, as happens when a
	// slow sweep outlives the TTL and the lock is re-acquired elsewhere.
	theirs := uuid.New().String()
	if err := client.Set(ctx, lockKey, theirs, lockTTL).Err(); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	sw.releaseLock(ctx, uuid.New().String())
	got, err := client.Get(ctx, lockKey).Result()
	if err != nil {
		t.Fatalf("lock vanished after foreign release: %v", err)
	}
	if got != theirs {
		t.Errorf("expected lock to keep value %q, got %q", theirs, got)
	}

	// The holder's own token does release it.
	sw.releaseLock(ctx, theirs)
	if err := client.Get(ctx, lockKey).Err(); !errors.Is(err, redis.Nil) {
		t.Errorf("expected lock deleted by matching token, got %v", err)
	}
}
