// Package identity maps external authenticated identities (a stable string
// id plus profile fields, supplied by the auth provider) to internal user
// records. The backend trusts the external id it is given; it performs no
// authentication of its own.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/johnvesslyalti/tars-chat/internal/domain"
)

// Store manages user records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureUser returns the user for externalID, creating it on first contact.
// The insert targets the unique index on external_id with DO NOTHING, so
// concurrent calls with the same external id never create duplicates and
// profile fields are first-write-wins: repeat calls return the existing
// record unchanged.
func (s *Store) EnsureUser(ctx context.Context, externalID, displayName, avatarURL string) (domain.User, error) {
	if strings.TrimSpace(externalID) == "" {
		return domain.User{}, fmt.Errorf("identity: empty external id: %w", domain.ErrInvalidArgument)
	}

	const insert = `
		INSERT INTO users (id, external_id, display_name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, uuid.New().String(), externalID, displayName, avatarURL); err != nil {
		return domain.User{}, fmt.Errorf("identity: insert user: %w", err)
	}

	// Whether we inserted or lost the race, the row exists now.
	return s.ByExternalID(ctx, externalID)
}

// ByExternalID looks up a user by external id.
func (s *Store) ByExternalID(ctx context.Context, externalID string) (domain.User, error) {
	const query = `
		SELECT id, external_id, display_name, avatar_url
		FROM users
		WHERE external_id = $1`

	var u domain.User
	err := s.db.QueryRowContext(ctx, query, externalID).
		Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.AvatarURL)
	if err == sql.ErrNoRows {
		return domain.User{}, fmt.Errorf("identity: user %q: %w", externalID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("identity: lookup user: %w", err)
	}
	return u, nil
}

// ByID looks up a user by internal id.
func (s *Store) ByID(ctx context.Context, id string) (domain.User, error) {
	const query = `
		SELECT id, external_id, display_name, avatar_url
		FROM users
		WHERE id = $1`

	var u domain.User
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.AvatarURL)
	if err == sql.ErrNoRows {
		return domain.User{}, fmt.Errorf("identity: user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("identity: lookup user: %w", err)
	}
	return u, nil
}

// ListOtherUsers returns all users except the one with excludeExternalID,
// ordered by display name for stable contact lists.
func (s *Store) ListOtherUsers(ctx context.Context, excludeExternalID string) ([]domain.User, error) {
	const query = `
		SELECT id, external_id, display_name, avatar_url
		FROM users
		WHERE external_id <> $1
		ORDER BY display_name, external_id`

	rows, err := s.db.QueryContext(ctx, query, excludeExternalID)
	if err != nil {
		return nil, fmt.Errorf("identity: list users: %w", err)
	}
	defer rows.Close()

	users := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.DisplayName, &u.AvatarURL); err != nil {
			return nil, fmt.Errorf("identity: scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("identity: list users: %w", err)
	}
	return users, nil
}
