// Package typing maintains short-lived typing flags in Redis, one per
// (conversation, user) pair. Expiry is evaluated lazily at read time; there
// is no background sweep, since a stale field costs only storage and the
// hash itself carries a coarse TTL for housekeeping.
//
//	Key:   typing:<conversation_id>  (hash: user_id -> expires_at unix ms)
package typing

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
)

const (
	keyPrefix = "typing:"

	// TTL is how long a typing flag stays active after the last keystroke
	// event. Callers throttle keystrokes at the edge, not here.
	TTL = 5 * time.Second

	// keyExpiry bounds how long an idle conversation's typing hash lingers
	// in Redis. It is refreshed on every Set and is deliberately much
	// larger than TTL so it never affects visible expiry.
	keyExpiry = time.Minute
)

// Store manages typing flags in Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore creates a typing store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Set upserts the user's typing flag for the conversation, extending its
// expiry to now + TTL. Called on every (edge-throttled) keystroke event.
func (s *Store) Set(ctx context.Context, conversationID, userID string) error {
	key := keyPrefix + conversationID
	expiresAt := s.now().Add(TTL).UnixMilli()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, userID, expiresAt)
	pipe.Expire(ctx, key, keyExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typing: set %s/%s: %w", conversationID, userID, err)
	}
	return nil
}

// ListActive returns the typing flags in the conversation that have not yet
// expired, ordered by user id for stable output. Callers filter out the
// requesting user's own flag for display.
func (s *Store) ListActive(ctx context.Context, conversationID string) ([]domain.Typing, error) {
	fields, err := s.client.HGetAll(ctx, keyPrefix+conversationID).Result()
	if err != nil {
		return nil, fmt.Errorf("typing: list %s: %w", conversationID, err)
	}

	now := s.now()
	active := []domain.Typing{}
	for userID, raw := range fields {
		expiresMs, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		t := domain.Typing{
			ConversationID: conversationID,
			UserID:         userID,
			ExpiresAt:      time.UnixMilli(expiresMs),
		}
		if t.Active(now) {
			active = append(active, t)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	return active, nil
}
