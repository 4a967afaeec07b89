// Package message appends messages to conversations and retrieves ordered
// history. Ordering within a conversation is total: ascending created_at
// with a strictly increasing sequence number breaking ties.
package message

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
)

// Store manages messages in PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Send validates and appends a message, bumping the parent conversation's
// last_message_at in the same transaction so conversation lists order by
// recency. The membership check runs inside the transaction against the
// conversation row, so a message can never land in a conversation the
// sender does not belong to.
func (s *Store) Send(ctx context.Context, conversationID, senderID, body string) (domain.Message, error) {
	if err := ValidateBody(body); err != nil {
		return domain.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("message: begin tx: %w", err)
	}
	defer tx.Rollback()

	var low, high string
	err = tx.QueryRowContext(ctx,
		`SELECT member_low, member_high FROM conversations WHERE id = $1`,
		conversationID,
	).Scan(&low, &high)
	if err == sql.ErrNoRows {
		return domain.Message{}, fmt.Errorf("message: conversation %s: %w", conversationID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("message: lookup conversation: %w", err)
	}
	if senderID != low && senderID != high {
		return domain.Message{}, fmt.Errorf("message: sender %s is not a member of %s: %w",
			senderID, conversationID, domain.ErrInvalidArgument)
	}

	m := domain.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		CreatedAt:      s.now().UTC(),
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, body, created_at, deleted)
		 VALUES ($1, $2, $3, $4, $5, FALSE)
		 RETURNING seq`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt,
	).Scan(&m.Seq)
	if err != nil {
		return domain.Message{}, fmt.Errorf("message: insert: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = $1 WHERE id = $2`,
		m.CreatedAt, conversationID,
	)
	if err != nil {
		return domain.Message{}, fmt.Errorf("message: bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("message: commit: %w", err)
	}
	return m, nil
}

// List returns the conversation's full message history in ascending
// (created_at, seq) order. Soft-deleted messages are included; hiding them
// is the display layer's choice.
func (s *Store) List(ctx context.Context, conversationID string) ([]domain.Message, error) {
	const query = `
		SELECT id, seq, conversation_id, sender_id, body, created_at, deleted
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, seq`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt, &m.Deleted); err != nil {
			return nil, fmt.Errorf("message: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: list: %w", err)
	}
	return msgs, nil
}

// MarkDeleted sets the soft-delete flag on a message. The row itself is
// never removed.
func (s *Store) MarkDeleted(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = TRUE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("message: mark deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message: message %s: %w", messageID, domain.ErrNotFound)
	}
	return nil
}
