package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"marketchat/internal/domain/chat"
)

// Store is the persistence contract of the messaging service.
type Store interface {
	FindConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error)
	// CreateConversation returns chat.ErrConversationExists when the key is taken.
	CreateConversation(ctx context.Context, key chat.ConversationKey, now time.Time) (chat.Conversation, error)
	GetConversation(ctx context.Context, id string) (chat.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error)
	// AddMessage assigns the creation time and returns the stored message. Repeating
	// an insert with a known message id returns the stored copy.
	AddMessage(ctx context.Context, params chat.NewMessageParams, now time.Time) (chat.Message, error)
	ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error)
	CountMessages(ctx context.Context, q chat.CountQuery) (int, error)
	UpsertReadCursor(ctx context.Context, conversationID, userID string, at time.Time) (chat.ReadCursor, error)
	GetReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error)
}

// EventPublisher announces persisted messages to realtime subscribers.
type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, msg chat.Message) error
}

// Server implements the MessagingService contract.
type Server struct {
	Store  Store
	Events EventPublisher
	Logger *slog.Logger
	Now    func() time.Time
}

var _ MessagingServer = (*Server)(nil)

// FindConversation looks a conversation up by its participant/request key.
func (s *Server) FindConversation(ctx context.Context, req *ConversationKeyRequest) (*ConversationResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	key := req.Key()
	if err := key.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	conv, err := s.Store.FindConversation(ctx, key)
	if err != nil {
		return nil, s.statusError(err, "find conversation")
	}
	return &ConversationResponse{Conversation: conv}, nil
}

// CreateConversation creates the conversation for a key. A taken key yields AlreadyExists.
func (s *Server) CreateConversation(ctx context.Context, req *ConversationKeyRequest) (*ConversationResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	key := req.Key()
	if err := key.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	conv, err := s.Store.CreateConversation(ctx, key, s.now())
	if err != nil {
		return nil, s.statusError(err, "create conversation")
	}
	if s.Logger != nil {
		s.Logger.Info("conversation created", "id", conv.ID, "client_id", conv.ClientID, "provider_id", conv.ProviderID, "request_id", conv.RequestID)
	}
	return &ConversationResponse{Conversation: conv}, nil
}

// GetConversation fetches a conversation by id.
func (s *Server) GetConversation(ctx context.Context, req *GetConversationRequest) (*ConversationResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	id := strings.TrimSpace(req.ConversationID)
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "conversation_id is required")
	}
	conv, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		return nil, s.statusError(err, "load conversation")
	}
	return &ConversationResponse{Conversation: conv}, nil
}

// ListConversations returns a user's conversations by last activity with keyset pagination.
func (s *Server) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	var after *listCursor
	if raw := strings.TrimSpace(req.Cursor); raw != "" {
		cursor, err := parseCursor(raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid cursor")
		}
		after = &cursor
	}

	conversations, err := s.Store.ListConversations(ctx, userID)
	if err != nil {
		return nil, s.statusError(err, "list conversations")
	}
	slices.SortFunc(conversations, chat.ByLastActivity)

	asOf := s.now().Truncate(time.Millisecond)
	limit := chat.NormalizeLimit(req.Limit)
	resp := &ListConversationsResponse{Conversations: make([]chat.Conversation, 0, limit)}
	taken := 0
	for _, conv := range conversations {
		if after != nil {
			if !conv.LastMessageAt.IsZero() && !conv.LastMessageAt.Before(after.asOf) {
				// moved ahead of the cursor since the previous page; repeated so it is not skipped
				resp.Conversations = append(resp.Conversations, conv)
				continue
			}
			if chat.ByLastActivity(conv, after.last) <= 0 {
				continue
			}
		}
		resp.Conversations = append(resp.Conversations, conv)
		taken++
		if taken == limit {
			resp.NextCursor = buildCursor(conv, asOf)
			break
		}
	}
	return resp, nil
}

// SendMessage stores a message inside the conversation and announces it.
func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*MessageResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	params, err := chat.NewMessageParams{
		ID:             req.MessageID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Text:           req.Text,
		IsSystem:       req.IsSystem,
	}.Normalize()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	conv, err := s.Store.GetConversation(ctx, params.ConversationID)
	if err != nil {
		return nil, s.statusError(err, "load conversation")
	}
	if !conv.HasParticipant(params.SenderID) {
		return nil, status.Error(codes.PermissionDenied, chat.ErrNotParticipant.Error())
	}
	msg, err := s.Store.AddMessage(ctx, params, s.now())
	if err != nil {
		return nil, s.statusError(err, "save message")
	}
	if s.Events != nil {
		if err := s.Events.PublishMessageCreated(ctx, msg); err != nil && s.Logger != nil {
			s.Logger.Warn("message event publish failed", "conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
		}
	}
	return &MessageResponse{Message: msg}, nil
}

// ListMessages returns messages strictly older than the cursor, newest first.
func (s *Server) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		return nil, status.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if _, err := s.Store.GetConversation(ctx, conversationID); err != nil {
		return nil, s.statusError(err, "load conversation")
	}
	messages, err := s.Store.ListMessages(ctx, conversationID, req.Before, chat.NormalizeLimit(req.Limit))
	if err != nil {
		return nil, s.statusError(err, "list messages")
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	return &ListMessagesResponse{Messages: messages}, nil
}

// CountMessages counts messages matching the unread query.
func (s *Server) CountMessages(ctx context.Context, req *CountMessagesRequest) (*CountMessagesResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	q := chat.CountQuery{
		ConversationID: strings.TrimSpace(req.ConversationID),
		ExcludeSender:  strings.TrimSpace(req.ExcludeSender),
		After:          req.After,
	}
	if q.ConversationID == "" {
		return nil, status.Error(codes.InvalidArgument, "conversation_id is required")
	}
	n, err := s.Store.CountMessages(ctx, q)
	if err != nil {
		return nil, s.statusError(err, "count messages")
	}
	return &CountMessagesResponse{Count: n}, nil
}

// MarkRead upserts the user's read cursor at the server clock.
func (s *Server) MarkRead(ctx context.Context, req *ReadCursorRequest) (*ReadCursorResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	conversationID, userID, err := cursorArgs(req)
	if err != nil {
		return nil, err
	}
	conv, err := s.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, s.statusError(err, "load conversation")
	}
	if !conv.HasParticipant(userID) {
		return nil, status.Error(codes.PermissionDenied, chat.ErrNotParticipant.Error())
	}
	cursor, err := s.Store.UpsertReadCursor(ctx, conversationID, userID, s.now())
	if err != nil {
		return nil, s.statusError(err, "mark read")
	}
	return &ReadCursorResponse{Cursor: cursor}, nil
}

// GetReadCursor returns NotFound when the user never opened the conversation.
func (s *Server) GetReadCursor(ctx context.Context, req *ReadCursorRequest) (*ReadCursorResponse, error) {
	if s.Store == nil {
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	conversationID, userID, err := cursorArgs(req)
	if err != nil {
		return nil, err
	}
	cursor, err := s.Store.GetReadCursor(ctx, conversationID, userID)
	if err != nil {
		return nil, s.statusError(err, "get read cursor")
	}
	return &ReadCursorResponse{Cursor: cursor}, nil
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Server) statusError(err error, action string) error {
	code := codeFor(err)
	if code == codes.Internal && s.Logger != nil {
		s.Logger.Error("messaging store failed", "action", action, "error", err)
	}
	if code == codes.Internal {
		return status.Errorf(codes.Internal, "%s: %v", action, err)
	}
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, chat.ErrConversationExists):
		return codes.AlreadyExists
	case errors.Is(err, chat.ErrNotParticipant):
		return codes.PermissionDenied
	case errors.Is(err, chat.ErrInvalidArgument),
		errors.Is(err, chat.ErrTextRequired),
		errors.Is(err, chat.ErrParticipantsRequired),
		errors.Is(err, chat.ErrSelfConversation):
		return codes.InvalidArgument
	case errors.Is(err, chat.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func cursorArgs(req *ReadCursorRequest) (string, string, error) {
	conversationID := strings.TrimSpace(req.ConversationID)
	userID := strings.TrimSpace(req.UserID)
	if conversationID == "" || userID == "" {
		return "", "", status.Error(codes.InvalidArgument, "conversation_id and user_id are required")
	}
	return conversationID, userID, nil
}

// cursors encode the sort key of the last returned conversation: last_message_at|created_at|id.
// listCursor resumes a conversation listing after last. Conversations active at or after
// asOf may have changed position since the previous page was built.
type listCursor struct {
	last chat.Conversation
	asOf time.Time
}

func buildCursor(conv chat.Conversation, asOf time.Time) string {
	var last int64
	if !conv.LastMessageAt.IsZero() {
		last = conv.LastMessageAt.UTC().UnixNano()
	}
	return fmt.Sprintf("%d|%d|%d|%s", last, conv.CreatedAt.UTC().UnixNano(), asOf.UTC().UnixNano(), conv.ID)
}

func parseCursor(raw string) (listCursor, error) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 || parts[3] == "" {
		return listCursor{}, fmt.Errorf("invalid cursor")
	}
	var nanos [3]int64
	for i := range nanos {
		n, err := strconv.ParseInt(parts[i], 10, 64)
		if err != nil {
			return listCursor{}, err
		}
		nanos[i] = n
	}
	cursor := listCursor{
		last: chat.Conversation{ID: parts[3], CreatedAt: time.Unix(0, nanos[1]).UTC()},
		asOf: time.Unix(0, nanos[2]).UTC(),
	}
	if nanos[0] != 0 {
		cursor.last.LastMessageAt = time.Unix(0, nanos[0]).UTC()
	}
	return cursor, nil
}
