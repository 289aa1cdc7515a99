package chat

import "time"

const (
	// MessagesTable names the persisted table whose inserts feed change notifications.
	MessagesTable = "messages"
	// ChangeInsert is the only change type this layer emits.
	ChangeInsert = "INSERT"
	// PresenceTopic is the shared presence channel for all sessions.
	PresenceTopic = "online-users"
	// TypingEvent is the broadcast event name used on typing topics.
	TypingEvent = "typing"
)

// ChangeEvent is a durable row-level change notification.
type ChangeEvent struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Table    string    `json:"table"`
	Record   Message   `json:"record"`
	CommitAt time.Time `json:"commit_at"`
}

// NewMessageInserted wraps a persisted message into a change event.
func NewMessageInserted(id string, msg Message, at time.Time) ChangeEvent {
	return ChangeEvent{ID: id, Type: ChangeInsert, Table: MessagesTable, Record: msg, CommitAt: at.UTC()}
}

// ConversationFilter returns the change-feed filter for one conversation.
func ConversationFilter(conversationID string) string {
	return "conversation_id=eq." + conversationID
}

// ChangeTopic returns the realtime topic for a table and filter.
func ChangeTopic(table, filter string) string {
	return table + ":" + filter
}

// TypingTopic returns the ephemeral topic for typing signals of a conversation.
func TypingTopic(conversationID string) string {
	return "typing:" + conversationID
}

// TypingSignal is the transient payload announcing that a user is typing.
type TypingSignal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
}

// PresenceEntry is a transient online marker.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	OnlineAt time.Time `json:"online_at"`
}
