package chat

import (
	"strings"
	"time"
)

// PageSize is the fixed number of messages per history page.
const PageSize = 50

// Message is an immutable entry of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	IsSystem       bool      `json:"is_system,omitempty"`
}

// NewMessageParams describes a message insertion.
type NewMessageParams struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	IsSystem       bool
}

// Normalize trims the params and validates required fields.
func (p NewMessageParams) Normalize() (NewMessageParams, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.ConversationID = strings.TrimSpace(p.ConversationID)
	p.SenderID = strings.TrimSpace(p.SenderID)
	p.Text = strings.TrimSpace(p.Text)
	if p.ConversationID == "" || p.SenderID == "" {
		return p, ErrInvalidArgument
	}
	if p.Text == "" {
		return p, ErrTextRequired
	}
	return p, nil
}

// NextTimestamp returns the server-assigned creation time for a new message. Timestamps
// stay strictly increasing within a conversation at millisecond precision and land
// strictly after readMark, the newest read cursor stored for the conversation, so a
// message committed after a read is never covered by it.
func NextTimestamp(now, last, readMark time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	if readMark.After(last) {
		last = readMark
	}
	if last.IsZero() {
		return now
	}
	floor := last.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	if now.Before(floor) {
		return floor
	}
	return now
}

// ReadMark returns the cursor position stored for a read at now. It never falls behind
// the newest message of the conversation, whose timestamp may run ahead of the clock.
func ReadMark(now, lastMessageAt time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	if lastMessageAt.After(now) {
		return lastMessageAt.UTC()
	}
	return now
}

// NormalizeLimit clamps a page size request.
func NormalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return PageSize
	}
	return limit
}

// CountQuery selects the messages counted toward unread state.
type CountQuery struct {
	ConversationID string
	ExcludeSender  string
	After          time.Time
}

// Matches reports whether msg is counted by the query.
func (q CountQuery) Matches(msg Message) bool {
	if msg.ConversationID != q.ConversationID {
		return false
	}
	if q.ExcludeSender != "" && msg.SenderID == q.ExcludeSender {
		return false
	}
	return q.After.IsZero() || msg.CreatedAt.After(q.After)
}
