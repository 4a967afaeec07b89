// Package readstate tracks per-(user, conversation) read markers and
// computes unread counts from them.
package readstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
	"github.com/johnvesslyalti/tars-chat/internal/store"
)

// Store manages read markers in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a read-state store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// MarkRead upserts the user's read marker for the conversation to now.
// The (user_id, conversation_id) primary key serializes concurrent marks.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) error {
	const upsert = `
		INSERT INTO last_seen (user_id, conversation_id, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, conversation_id)
		DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at`

	if _, err := s.db.ExecContext(ctx, upsert, userID, conversationID, s.now().UTC()); err != nil {
		// A foreign-key violation means the conversation or user id is
		// unknown; any other failure is the store's, not the caller's.
		if store.IsForeignKeyViolation(err) {
			return fmt.Errorf("readstate: mark read: unknown conversation or user: %w: %w", domain.ErrInvalidArgument, err)
		}
		return fmt.Errorf("readstate: mark read: %w", err)
	}
	return nil
}

// Marker returns the user's read marker for the conversation. A user who has
// never opened the conversation gets the zero time, so every message counts
// as unread until the first mark.
func (s *Store) Marker(ctx context.Context, conversationID, userID string) (domain.ReadMarker, error) {
	m := domain.ReadMarker{UserID: userID, ConversationID: conversationID}

	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_at FROM last_seen WHERE user_id = $1 AND conversation_id = $2`,
		userID, conversationID,
	).Scan(&m.LastSeenAt)
	if err == sql.ErrNoRows {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("readstate: lookup marker: %w", err)
	}
	return m, nil
}

// UnreadCount returns how many messages in the conversation were created
// strictly after the user's read marker. The user's own messages never count
// as unread for them. The count runs as an indexed range COUNT rather than
// materializing message rows.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND m.created_at > COALESCE(
			(SELECT last_seen_at FROM last_seen
			 WHERE user_id = $2 AND conversation_id = $1),
			'epoch'::timestamptz)`

	var count int
	if err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("readstate: unread count: %w", err)
	}
	return count, nil
}
