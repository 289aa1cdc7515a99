// Package chatsync keeps a client-side, paginated view of conversations and messages
// consistent with optimistic local writes, pushed remote inserts, read cursors and
// presence. Every cache write path is idempotent so the independent event sources
// (local sends, change feed, periodic refresh, read-cursor updates) can race freely.
package chatsync

import (
	"context"
	"encoding/json"
	"time"

	"marketchat/internal/domain/chat"
)

// DataAPI is the request/response persistence surface.
type DataAPI interface {
	FindConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error)
	// CreateConversation returns chat.ErrConversationExists when the key is already taken.
	CreateConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	// ListMessages returns up to limit messages strictly older than before (zero = newest), newest first.
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error)
	InsertMessage(ctx context.Context, params chat.NewMessageParams) (chat.Message, error)
	// GetReadCursor returns chat.ErrNotFound when the user never opened the conversation.
	GetReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error)
	// UpsertReadCursor stores last_read_at = now() on the server clock.
	UpsertReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error)
	CountMessages(ctx context.Context, q chat.CountQuery) (int, error)
}

// IdentityService resolves display identities.
type IdentityService interface {
	GetProfile(ctx context.Context, userID string) (chat.Profile, error)
}

// TransactionService resolves the request a conversation is linked to.
type TransactionService interface {
	GetRequestSummary(ctx context.Context, requestID string) (chat.RequestSummary, error)
}

// Subscription is a live change-feed registration.
type Subscription interface {
	Unsubscribe() error
}

// ChangeFeed is the durable, persistence-backed notification channel for row inserts.
type ChangeFeed interface {
	SubscribeInserts(ctx context.Context, table, filter string, handler func(chat.ChangeEvent)) (Subscription, error)
}

// EphemeralHandlers receive events of an ephemeral topic. Nil handlers are skipped.
type EphemeralHandlers struct {
	OnBroadcast    func(event string, payload json.RawMessage)
	OnPresenceSync func(userIDs []string)
	// OnResubscribed fires each time the transport re-joins the topic after a reconnect.
	OnResubscribed func()
}

// EphemeralChannel is a joined, non-persisted topic.
type EphemeralChannel interface {
	Broadcast(ctx context.Context, event string, payload json.RawMessage) error
	Track(ctx context.Context) error
	Untrack(ctx context.Context) error
	Leave() error
}

// Broadcaster joins ephemeral broadcast/presence topics. Join returns once the topic is subscribed.
type Broadcaster interface {
	Join(ctx context.Context, topic string, handlers EphemeralHandlers) (EphemeralChannel, error)
}
