package chat

import (
	"strings"
	"time"
)

// PreviewLimit bounds the denormalized last-message text stored on a conversation.
const PreviewLimit = 500

// Role tags a participant of a two-party conversation.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

// ConversationKey identifies the single conversation allowed per participant pair and request.
type ConversationKey struct {
	ClientID   string
	ProviderID string
	RequestID  string
}

// Normalize trims every component of the key.
func (k ConversationKey) Normalize() ConversationKey {
	return ConversationKey{
		ClientID:   strings.TrimSpace(k.ClientID),
		ProviderID: strings.TrimSpace(k.ProviderID),
		RequestID:  strings.TrimSpace(k.RequestID),
	}
}

// Validate reports whether both participants are present and distinct.
func (k ConversationKey) Validate() error {
	k = k.Normalize()
	if k.ClientID == "" || k.ProviderID == "" {
		return ErrParticipantsRequired
	}
	if k.ClientID == k.ProviderID {
		return ErrSelfConversation
	}
	return nil
}

// String renders the key in the form used by unique-key tables and caches.
func (k ConversationKey) String() string {
	k = k.Normalize()
	return k.ClientID + "|" + k.ProviderID + "|" + k.RequestID
}

// Conversation is a two-party thread, optionally anchored to a request.
type Conversation struct {
	ID              string    `json:"id"`
	ClientID        string    `json:"client_id"`
	ProviderID      string    `json:"provider_id"`
	RequestID       string    `json:"request_id,omitempty"`
	LastMessageText string    `json:"last_message_text,omitempty"`
	LastMessageAt   time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Key returns the uniqueness key of the conversation.
func (c Conversation) Key() ConversationKey {
	return ConversationKey{ClientID: c.ClientID, ProviderID: c.ProviderID, RequestID: c.RequestID}
}

// HasParticipant reports whether userID takes part in the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ClientID == userID || c.ProviderID == userID)
}

// OtherParty returns the participant that is not userID.
func (c Conversation) OtherParty(userID string) string {
	if c.ClientID == userID {
		return c.ProviderID
	}
	return c.ClientID
}

// RoleOf returns the role userID plays in the conversation.
func (c Conversation) RoleOf(userID string) (Role, bool) {
	switch userID {
	case c.ClientID:
		return RoleClient, true
	case c.ProviderID:
		return RoleProvider, true
	default:
		return "", false
	}
}

// Touch applies the denormalized last-message fields for msg.
func (c *Conversation) Touch(msg Message) {
	if msg.CreatedAt.Before(c.LastMessageAt) {
		return
	}
	c.LastMessageAt = msg.CreatedAt
	c.LastMessageText = Snippet(msg.Text, PreviewLimit)
}

// Snippet trims text and cuts it to max runes.
func Snippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}

// ByLastActivity orders conversations by LastMessageAt descending with unset values last.
func ByLastActivity(a, b Conversation) int {
	switch {
	case a.LastMessageAt.IsZero() && b.LastMessageAt.IsZero():
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	case a.LastMessageAt.IsZero():
		return 1
	case b.LastMessageAt.IsZero():
		return -1
	default:
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	}
}
