// Package domain defines the core entities of the tars-chat backend and the
// error kinds shared by every store. All entities are independently
// addressable rows keyed by UUID and related by id references; ephemeral
// state (presence, typing) decays by timestamp comparison rather than
// deletion.
package domain

import (
	"errors"
	"time"
)

// Error kinds. Stores wrap these with context via fmt.Errorf("...: %w", ...)
// so callers can classify failures with errors.Is.
var (
	// ErrInvalidArgument covers validation failures: empty message body,
	// sender not a conversation member, identical users in a conversation,
	// unknown id references.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned by strict lookups addressed at an id that
	// does not exist.
	ErrNotFound = errors.New("not found")
)

// User is an internal user record mapped from an external authenticated
// identity. Created once per ExternalID; profile fields are first-write-wins.
type User struct {
	ID          string `json:"id"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Conversation is a two-party conversation. Members are stored as a
// normalized pair (MemberLow < MemberHigh lexicographically) so that at most
// one non-group conversation exists per unordered pair.
type Conversation struct {
	ID            string    `json:"id"`
	MemberLow     string    `json:"member_low"`
	MemberHigh    string    `json:"member_high"`
	IsGroup       bool      `json:"is_group"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Members returns both member ids.
func (c Conversation) Members() [2]string {
	return [2]string{c.MemberLow, c.MemberHigh}
}

// HasMember reports whether userID is a participant.
func (c Conversation) HasMember(userID string) bool {
	return userID == c.MemberLow || userID == c.MemberHigh
}

// Other returns the other participant, or "" if userID is not a member.
func (c Conversation) Other(userID string) string {
	switch userID {
	case c.MemberLow:
		return c.MemberHigh
	case c.MemberHigh:
		return c.MemberLow
	}
	return ""
}

// Message is an immutable chat message. Seq is a strictly increasing
// per-store sequence that breaks CreatedAt ties, giving a total order within
// a conversation even under coarse clocks. Deleted is a soft-delete flag;
// filtering deleted messages is a display concern.
type Message struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	Deleted        bool      `json:"deleted"`
}

// OnlineWindow is the client-side liveness window: a presence record counts
// as online only if its heartbeat is at most this old, regardless of the
// IsOnline flag. The server-side sweep uses the wider StaleAfter threshold.
const OnlineWindow = 10 * time.Second

// Presence is a per-user liveness record, upserted on every heartbeat.
type Presence struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// Online reports whether the record is effectively online at the given
// instant: the flag is set and the last heartbeat is within OnlineWindow.
func (p Presence) Online(now time.Time) bool {
	return p.IsOnline && now.Sub(p.LastSeen) < OnlineWindow
}

// Typing is a short-lived typing flag for one user in one conversation.
// At most one record exists per (conversation, user) pair; it is active only
// while ExpiresAt is in the future.
type Typing struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Active reports whether the flag has not yet expired.
func (t Typing) Active(now time.Time) bool {
	return t.ExpiresAt.After(now)
}

// ReadMarker records the last instant a user observed a conversation.
// Messages created strictly after LastSeenAt count as unread.
type ReadMarker struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}
