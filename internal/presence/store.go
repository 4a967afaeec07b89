// Package presence maintains per-user liveness records in Redis. Records
// are upserted on every heartbeat and never deleted; a background sweep
// flips is_online for records whose heartbeat has gone stale.
//
//	Key:   presence:<user_id>  (hash: user_id, is_online, last_seen_ms)
//	Index: presence:users      (set of user ids with a presence record)
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
)

const (
	keyPrefix = "presence:"
	indexKey  = "presence:users"

	// StaleAfter is the server-side liveness window: a record whose last
	// heartbeat is older than this is flipped offline by the sweep. Clients
	// heartbeat every 5s, so one or two missed beats are tolerated.
	StaleAfter = 15 * time.Second
)

// Store manages presence records in Redis.
type Store struct {
	client      *redis.Client
	sweepScript *redis.Script
	now         func() time.Time
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{
		client:      client,
		sweepScript: redis.NewScript(sweepStaleLua),
		now:         time.Now,
	}
}

// Heartbeat upserts the user's presence record, setting is_online and
// refreshing last_seen. Clients call this every 5 seconds and once
// immediately on connect.
func (s *Store) Heartbeat(ctx context.Context, userID string, online bool) error {
	key := keyPrefix + userID
	isOnline := "0"
	if online {
		isOnline = "1"
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"is_online":    isOnline,
		"last_seen_ms": s.now().UnixMilli(),
	})
	pipe.SAdd(ctx, indexKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: heartbeat %s: %w", userID, err)
	}
	return nil
}

// Get returns the presence record for a user, or ErrNotFound if the user
// has never sent a heartbeat.
func (s *Store) Get(ctx context.Context, userID string) (domain.Presence, error) {
	result, err := s.client.HGetAll(ctx, keyPrefix+userID).Result()
	if err != nil {
		return domain.Presence{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	if len(result) == 0 {
		return domain.Presence{}, fmt.Errorf("presence: user %s: %w", userID, domain.ErrNotFound)
	}
	return fromHash(result), nil
}

// List returns a snapshot of all presence records.
func (s *Store) List(ctx context.Context) ([]domain.Presence, error) {
	userIDs, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list index: %w", err)
	}
	if len(userIDs) == 0 {
		return []domain.Presence{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, uid := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, keyPrefix+uid)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: list records: %w", err)
	}

	records := make([]domain.Presence, 0, len(userIDs))
	for _, cmd := range cmds {
		hash, err := cmd.Result()
		if err != nil || len(hash) == 0 {
			continue
		}
		records = append(records, fromHash(hash))
	}
	return records, nil
}

// SweepStale flips is_online to false for every record that claims to be
// online but whose last heartbeat is older than StaleAfter. The check and
// flip run as a single Lua script per record, so a heartbeat arriving
// between the read and the write cannot be clobbered. Returns the ids of
// the users flipped offline.
func (s *Store) SweepStale(ctx context.Context) ([]string, error) {
	userIDs, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: sweep index: %w", err)
	}

	cutoff := s.now().Add(-StaleAfter).UnixMilli()
	flipped := []string{}
	for _, uid := range userIDs {
		res, err := s.sweepScript.Run(ctx, s.client, []string{keyPrefix + uid}, cutoff).Int()
		if err != nil {
			return flipped, fmt.Errorf("presence: sweep %s: %w", uid, err)
		}
		if res == 1 {
			flipped = append(flipped, uid)
		}
	}
	return flipped, nil
}

func fromHash(hash map[string]string) domain.Presence {
	lastSeenMs, _ := strconv.ParseInt(hash["last_seen_ms"], 10, 64)
	return domain.Presence{
		UserID:   hash["user_id"],
		IsOnline: hash["is_online"] == "1",
		LastSeen: time.UnixMilli(lastSeenMs),
	}
}

// sweepStaleLua atomically flips a record offline iff it is currently
// online and its last heartbeat predates the cutoff. Returns 1 if flipped.
const sweepStaleLua = `
local key = KEYS[1]
local cutoff = tonumber(ARGV[1])

local is_online = redis.call('HGET', key, 'is_online')
if is_online ~= '1' then return 0 end

local last_seen = tonumber(redis.call('HGET', key, 'last_seen_ms'))
if not last_seen or last_seen < cutoff then
    redis.call('HSET', key, 'is_online', '0')
    return 1
end

return 0
`
