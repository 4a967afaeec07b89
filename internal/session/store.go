// Package session binds WebSocket connections to authenticated users. A
// session starts pending when the socket is upgraded and becomes ready once
// the client identifies itself via ensure_user; handlers reject writes from
// sessions that never did.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis. Activity
	// refreshes it, so only abandoned sessions expire.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusPending = "pending" // socket open, user not yet identified
	StatusReady   = "ready"   // user id bound
)

// Session represents one connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Status     string `redis:"status"`      // pending | ready
	UserID     string `redis:"user_id"`     // empty until identified
	Server     string `redis:"server"`      // which server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new pending session in Redis with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	session := map[string]interface{}{
		"id":          sessionID,
		"status":      StatusPending,
		"user_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, session)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	err := s.client.HGetAll(ctx, key).Scan(&session)
	if err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// BindUser marks the session ready and records the authenticated user id.
func (s *Store) BindUser(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "status", StatusReady, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// UserID returns the bound user id for a session, or "" when the session is
// missing or still pending.
func (s *Store) UserID(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil || sess.Status != StatusReady {
		return "", nil
	}
	return sess.UserID, nil
}

// Touch refreshes the session's TTL and last-active timestamp.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
