package live

// Key identifies a unit of stored state a query can depend on: a whole
// table for global snapshots, or a row/index slice for scoped reads. Writes
// publish the keys they touched; the engine re-runs exactly the
// subscriptions whose recorded dependency set intersects.
type Key string

// Global snapshot keys.
const (
	KeyUsers    Key = "users"
	KeyPresence Key = "presence"
)

// ConversationMessages is touched by every message appended to the
// conversation.
func ConversationMessages(conversationID string) Key {
	return Key("conv:" + conversationID + ":messages")
}

// ConversationTyping is touched by typing flag upserts in the conversation.
func ConversationTyping(conversationID string) Key {
	return Key("conv:" + conversationID + ":typing")
}

// UserConversations is touched when a conversation involving the user is
// created or has its recency bumped.
func UserConversations(userID string) Key {
	return Key("user:" + userID + ":convs")
}

// ReadMarker is touched when the user's read marker for the conversation
// moves. Unread-count queries depend on this and on ConversationMessages.
func ReadMarker(conversationID, userID string) Key {
	return Key("read:" + conversationID + ":" + userID)
}
