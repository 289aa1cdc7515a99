package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketchat/internal/domain/chat"
)

// MessagingAPI is the messaging service surface the gateway proxies.
type MessagingAPI interface {
	FindConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error)
	CreateConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID, cursor string, limit int) ([]chat.Conversation, string, error)
	SendMessage(ctx context.Context, params chat.NewMessageParams) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error)
	CountMessages(ctx context.Context, q chat.CountQuery) (int, error)
	MarkRead(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error)
	GetReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error)
}

// ChangePublisher pushes message inserts to realtime subscribers when no broker does it.
type ChangePublisher interface {
	PublishChange(ctx context.Context, ev chat.ChangeEvent) error
}

type ConversationList struct {
	Items      []chat.Conversation `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type MessageList struct {
	Items []chat.Message `json:"items"`
}

type CreateConversationRequest struct {
	ClientID   string `json:"client_id"`
	ProviderID string `json:"provider_id"`
	RequestID  string `json:"request_id"`
}

type SendMessageRequest struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	IsSystem bool   `json:"is_system"`
}

// ChatHandler bridges HTTP with the messaging gRPC client.
type ChatHandler struct {
	Messaging MessagingAPI
	Changes   ChangePublisher
	Logger    *slog.Logger
}

// ListConversations returns the caller's conversations by last activity.
func (h ChatHandler) ListConversations(c *gin.Context) {
	userID := currentUser(c)
	limit := parsePositiveIntStrict(c.Query("limit"), chat.PageSize)
	conversations, next, err := h.Messaging.ListConversations(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		h.respondError(c, err, "list conversations", "user_id", userID)
		return
	}
	if conversations == nil {
		conversations = []chat.Conversation{}
	}
	c.JSON(http.StatusOK, ConversationList{Items: conversations, NextCursor: next})
}

// LookupConversation finds the conversation for a participant/request key.
func (h ChatHandler) LookupConversation(c *gin.Context) {
	userID := currentUser(c)
	key := chat.ConversationKey{
		ClientID:   c.Query("client_id"),
		ProviderID: c.Query("provider_id"),
		RequestID:  c.Query("request_id"),
	}.Normalize()
	if key.ClientID != userID && key.ProviderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return
	}
	conv, err := h.Messaging.FindConversation(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, err, "lookup conversation", "user_id", userID)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// CreateConversation creates a conversation. A taken key answers 409 with the existing conversation.
func (h ChatHandler) CreateConversation(c *gin.Context) {
	userID := currentUser(c)
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	key := chat.ConversationKey{ClientID: req.ClientID, ProviderID: req.ProviderID, RequestID: req.RequestID}.Normalize()
	if err := key.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if key.ClientID != userID && key.ProviderID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return
	}
	ctx := c.Request.Context()
	conv, err := h.Messaging.CreateConversation(ctx, key)
	if errors.Is(err, chat.ErrConversationExists) {
		existing, findErr := h.Messaging.FindConversation(ctx, key)
		if findErr != nil {
			h.respondError(c, findErr, "load existing conversation", "user_id", userID, "key", key.String())
			return
		}
		c.JSON(http.StatusConflict, existing)
		return
	}
	if err != nil {
		h.respondError(c, err, "create conversation", "user_id", userID, "key", key.String())
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h ChatHandler) GetConversation(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, conv)
}

// ListMessages returns a newest-first page older than ?before.
func (h ChatHandler) ListMessages(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}
	before, ok := parseTimeQuery(c, "before")
	if !ok {
		return
	}
	limit := parsePositiveIntStrict(c.Query("limit"), chat.PageSize)
	messages, err := h.Messaging.ListMessages(c.Request.Context(), conv.ID, before, limit)
	if err != nil {
		h.respondError(c, err, "list messages", "conversation_id", conv.ID)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	c.JSON(http.StatusOK, MessageList{Items: messages})
}

// SendMessage inserts a message from the caller.
func (h ChatHandler) SendMessage(c *gin.Context) {
	userID := currentUser(c)
	conversationID := strings.TrimSpace(c.Param("id"))
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": chat.ErrTextRequired.Error()})
		return
	}
	ctx := c.Request.Context()
	msg, err := h.Messaging.SendMessage(ctx, chat.NewMessageParams{
		ID:             req.ID,
		ConversationID: conversationID,
		SenderID:       userID,
		Text:           req.Text,
		IsSystem:       req.IsSystem,
	})
	if err != nil {
		h.respondError(c, err, "send message", "conversation_id", conversationID, "user_id", userID)
		return
	}
	if h.Changes != nil {
		ev := chat.NewMessageInserted(uuid.NewString(), msg, time.Now())
		if err := h.Changes.PublishChange(context.WithoutCancel(ctx), ev); err != nil && h.Logger != nil {
			h.Logger.Warn("change publish failed", "conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, msg)
}

// CountMessages serves unread counting: ?exclude_sender and ?after narrow the count.
func (h ChatHandler) CountMessages(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}
	after, ok := parseTimeQuery(c, "after")
	if !ok {
		return
	}
	q := chat.CountQuery{ConversationID: conv.ID, ExcludeSender: strings.TrimSpace(c.Query("exclude_sender")), After: after}
	n, err := h.Messaging.CountMessages(c.Request.Context(), q)
	if err != nil {
		h.respondError(c, err, "count messages", "conversation_id", conv.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// GetReadCursor returns 404 when the caller never opened the conversation.
func (h ChatHandler) GetReadCursor(c *gin.Context) {
	conv, ok := h.participantConversation(c)
	if !ok {
		return
	}
	cursor, err := h.Messaging.GetReadCursor(c.Request.Context(), conv.ID, currentUser(c))
	if err != nil {
		h.respondError(c, err, "get read cursor", "conversation_id", conv.ID)
		return
	}
	c.JSON(http.StatusOK, cursor)
}

// MarkRead moves the caller's read cursor to the server's now.
func (h ChatHandler) MarkRead(c *gin.Context) {
	userID := currentUser(c)
	conversationID := strings.TrimSpace(c.Param("id"))
	cursor, err := h.Messaging.MarkRead(c.Request.Context(), conversationID, userID)
	if err != nil {
		h.respondError(c, err, "mark read", "conversation_id", conversationID, "user_id", userID)
		return
	}
	c.JSON(http.StatusOK, cursor)
}

func (h ChatHandler) participantConversation(c *gin.Context) (chat.Conversation, bool) {
	userID := currentUser(c)
	conversationID := strings.TrimSpace(c.Param("id"))
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation id is required"})
		return chat.Conversation{}, false
	}
	conv, err := h.Messaging.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.respondError(c, err, "load conversation", "conversation_id", conversationID, "user_id", userID)
		return chat.Conversation{}, false
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return chat.Conversation{}, false
	}
	return conv, true
}

func (h ChatHandler) respondError(c *gin.Context, err error, action string, attrs ...any) {
	status, message := httpStatus(err)
	if h.Logger != nil {
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.Logger.Log(c.Request.Context(), level, "messaging call failed", append([]any{"action", action, "error", err}, attrs...)...)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": message})
}

func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, chat.ErrConversationExists):
		return http.StatusConflict, "conversation already exists"
	case errors.Is(err, chat.ErrNotParticipant):
		return http.StatusForbidden, "not a chat participant"
	case errors.Is(err, chat.ErrTextRequired),
		errors.Is(err, chat.ErrParticipantsRequired),
		errors.Is(err, chat.ErrSelfConversation),
		errors.Is(err, chat.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "messaging unavailable"
	default:
		return http.StatusBadGateway, "messaging unavailable"
	}
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parsePositiveIntStrict(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}

var _ ChatHTTP = (*ChatHandler)(nil)
