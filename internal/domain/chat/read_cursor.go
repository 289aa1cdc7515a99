package chat

import "time"

// ReadCursor records when a user last viewed a conversation.
type ReadCursor struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// UnreadQuery builds the count query that yields the unread number for userID.
// The boolean is false when the conversation has no messages and unread is zero by definition.
func UnreadQuery(conv Conversation, userID string, cursor *ReadCursor) (CountQuery, bool) {
	q := CountQuery{ConversationID: conv.ID, ExcludeSender: userID}
	if cursor != nil {
		q.After = cursor.LastReadAt
		return q, true
	}
	if conv.LastMessageAt.IsZero() {
		return q, false
	}
	return q, true
}

// Profile is the display identity of a marketplace user.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RequestSummary is the read-only view of a business transaction used for routing.
type RequestSummary struct {
	RequestID string `json:"request_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
}
