// Package protocol defines the WebSocket message types and structures used
// for communication between the client and the sync server. All messages
// are serialized as JSON and follow a consistent envelope format with a
// type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeEnsureUser       = "ensure_user"
	TypeHeartbeat        = "heartbeat"
	TypeOpenConversation = "open_conversation"
	TypeSendMessage      = "send_message"
	TypeSetTyping        = "set_typing"
	TypeMarkRead         = "mark_read"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session_created"
	TypeUserReady         = "user_ready"
	TypeConversationReady = "conversation_ready"
	TypeMessageSent       = "message_sent"
	TypeQueryResult       = "query_result"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// Live query names accepted by subscribe.
const (
	QueryUsers         = "users"         // all other users
	QueryConversations = "conversations" // the session user's conversations
	QueryMessages      = "messages"      // a conversation's history
	QueryPresence      = "presence"      // global presence snapshot
	QueryTyping        = "typing"        // active typing flags in a conversation
	QueryUnread        = "unread"        // unread count in a conversation
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeNotFound        = "not_found"
	CodeNotIdentified   = "not_identified"
	CodeParseError      = "parse_error"
	CodeUnsupported     = "unsupported_type"
	CodeInternal        = "internal"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// EnsureUserMsg identifies the connection: the external id comes from the
// auth provider, profile fields are first-write-wins on the server.
type EnsureUserMsg struct {
	Type        string `json:"type"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// HeartbeatMsg renews the session user's presence. Clients send one on
// connect and one every 5 seconds after. Online defaults to true when the
// field is omitted.
type HeartbeatMsg struct {
	Type   string `json:"type"`
	Online *bool  `json:"online,omitempty"`
}

// OpenConversationMsg requests the direct conversation with another user,
// creating it on first contact.
type OpenConversationMsg struct {
	Type        string `json:"type"`
	OtherUserID string `json:"other_user_id"`
}

// SendMessageMsg appends a text message to a conversation.
type SendMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

// SetTypingMsg renews the session user's typing flag in a conversation.
type SetTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// MarkReadMsg moves the session user's read marker for a conversation to now.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// SubscribeMsg registers a live query. The server delivers an initial
// QueryResultMsg and a fresh one whenever underlying state the query read
// changes. The id is chosen by the client and scoped to the connection.
type SubscribeMsg struct {
	Type           string `json:"type"`
	ID             string `json:"id"`
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// UnsubscribeMsg removes a live query registration.
type UnsubscribeMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new session is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// UserReadyMsg confirms ensure_user and carries the internal user id all
// further operations use.
type UserReadyMsg struct {
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	ExternalID  string `json:"external_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// ConversationReadyMsg answers open_conversation with the (possibly
// pre-existing) conversation id.
type ConversationReadyMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	OtherUserID    string `json:"other_user_id"`
}

// MessageSentMsg acknowledges send_message. A client that never receives it
// keeps the compose-box content so the user can retry without retyping.
type MessageSentMsg struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	CreatedAt      int64  `json:"created_at"` // unix ms
}

// QueryResultMsg carries one result of a live query, both the initial run
// and every re-delivery.
type QueryResultMsg struct {
	Type   string      `json:"type"`
	ID     string      `json:"id"`
	Query  string      `json:"query"`
	Result interface{} `json:"result"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeEnsureUser:
		var m EnsureUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeat:
		var m HeartbeatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOpenConversation:
		var m OpenConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetTyping:
		var m SetTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
