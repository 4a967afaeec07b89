// Package directory manages the two-party conversation directory: lazy
// creation on first contact, order-independent lookup, and per-user listing.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
	"github.com/johnvesslyalti/tars-chat/internal/store"
)

// Store manages conversations in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a conversation store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// normalizePair orders two member ids so the unordered pair {a, b} always
// maps to the same (low, high) key. UUIDs compare lexicographically.
func normalizePair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}

// GetOrCreate returns the direct conversation between userA and userB,
// creating it on first contact. The unique index on the normalized member
// pair makes the operation idempotent: two simultaneous first contacts
// between the same pair resolve to a single row, with the loser of the
// insert race falling back to the lookup.
func (s *Store) GetOrCreate(ctx context.Context, userA, userB string) (domain.Conversation, error) {
	if userA == userB {
		return domain.Conversation{}, fmt.Errorf("directory: conversation with self: %w", domain.ErrInvalidArgument)
	}
	low, high := normalizePair(userA, userB)

	const insert = `
		INSERT INTO conversations (id, member_low, member_high, is_group, last_message_at)
		VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (member_low, member_high) WHERE NOT is_group DO NOTHING`

	_, err := s.db.ExecContext(ctx, insert, uuid.New().String(), low, high, s.now().UTC())
	if err != nil && !store.IsUniqueViolation(err) {
		// A foreign-key violation means one of the user ids is unknown; any
		// other failure is the store's, not the caller's.
		if store.IsForeignKeyViolation(err) {
			return domain.Conversation{}, fmt.Errorf("directory: unknown member: %w: %w", domain.ErrInvalidArgument, err)
		}
		return domain.Conversation{}, fmt.Errorf("directory: create conversation: %w", err)
	}

	const query = `
		SELECT id, member_low, member_high, is_group, last_message_at
		FROM conversations
		WHERE member_low = $1 AND member_high = $2 AND NOT is_group`

	var c domain.Conversation
	err = s.db.QueryRowContext(ctx, query, low, high).
		Scan(&c.ID, &c.MemberLow, &c.MemberHigh, &c.IsGroup, &c.LastMessageAt)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("directory: lookup conversation: %w", err)
	}
	return c, nil
}

// ByID looks up a conversation by id.
func (s *Store) ByID(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `
		SELECT id, member_low, member_high, is_group, last_message_at
		FROM conversations
		WHERE id = $1`

	var c domain.Conversation
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&c.ID, &c.MemberLow, &c.MemberHigh, &c.IsGroup, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return domain.Conversation{}, fmt.Errorf("directory: conversation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("directory: lookup conversation: %w", err)
	}
	return c, nil
}

// ListForUser returns every conversation the user participates in, most
// recently active first.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]domain.Conversation, error) {
	const query = `
		SELECT id, member_low, member_high, is_group, last_message_at
		FROM conversations
		WHERE member_low = $1 OR member_high = $1
		ORDER BY last_message_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("directory: list conversations: %w", err)
	}
	defer rows.Close()

	convs := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.MemberLow, &c.MemberHigh, &c.IsGroup, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("directory: scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: list conversations: %w", err)
	}
	return convs, nil
}
