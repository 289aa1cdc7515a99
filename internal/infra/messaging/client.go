package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"marketchat/internal/domain/chat"
)

// Config defines gRPC client settings.
type Config struct {
	Addr        string
	DialTimeout time.Duration
	CallTimeout time.Duration
}

// Client wraps the messaging service gRPC API and maps status codes to chat errors.
type Client struct {
	conn        *grpc.ClientConn
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewClient connects to the messaging service. A service that is not reachable within
// DialTimeout is logged; calls keep retrying the connection.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("messaging: address required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	conn, err := grpc.NewClient(cfg.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, err
	}
	conn.Connect()
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(dialCtx, state) {
			if logger != nil {
				logger.Warn("messaging grpc not ready", "addr", cfg.Addr, "state", state.String())
			}
			break
		}
	}
	if logger != nil && conn.GetState() == connectivity.Ready {
		logger.Info("messaging grpc connected", "addr", cfg.Addr)
	}
	return NewClientConn(conn, cfg.CallTimeout, logger), nil
}

// NewClientConn wraps an established connection. The connection must negotiate the JSON codec.
func NewClientConn(conn *grpc.ClientConn, callTimeout time.Duration, logger *slog.Logger) *Client {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Client{conn: conn, callTimeout: callTimeout, logger: logger}
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Ping reports whether the connection is usable.
func (c *Client) Ping(context.Context) error {
	switch state := c.conn.GetState(); state {
	case connectivity.Ready, connectivity.Idle:
		return nil
	default:
		c.conn.Connect()
		return fmt.Errorf("messaging connection %s", state)
	}
}

func (c *Client) FindConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	var resp ConversationResponse
	if err := c.invoke(ctx, "FindConversation", keyRequest(key), &resp); err != nil {
		return chat.Conversation{}, err
	}
	return resp.Conversation, nil
}

// CreateConversation returns chat.ErrConversationExists when another caller created the key first.
func (c *Client) CreateConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	var resp ConversationResponse
	if err := c.invoke(ctx, "CreateConversation", keyRequest(key), &resp); err != nil {
		return chat.Conversation{}, err
	}
	return resp.Conversation, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	var resp ConversationResponse
	if err := c.invoke(ctx, "GetConversation", &GetConversationRequest{ConversationID: id}, &resp); err != nil {
		return chat.Conversation{}, err
	}
	return resp.Conversation, nil
}

// ListConversations returns one page of conversations and the cursor of the next.
func (c *Client) ListConversations(ctx context.Context, userID, cursor string, limit int) ([]chat.Conversation, string, error) {
	var resp ListConversationsResponse
	req := &ListConversationsRequest{UserID: userID, Cursor: cursor, Limit: limit}
	if err := c.invoke(ctx, "ListConversations", req, &resp); err != nil {
		return nil, "", err
	}
	return resp.Conversations, resp.NextCursor, nil
}

func (c *Client) SendMessage(ctx context.Context, params chat.NewMessageParams) (chat.Message, error) {
	var resp MessageResponse
	req := &SendMessageRequest{
		MessageID:      params.ID,
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Text:           params.Text,
		IsSystem:       params.IsSystem,
	}
	if err := c.invoke(ctx, "SendMessage", req, &resp); err != nil {
		return chat.Message{}, err
	}
	return resp.Message, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	var resp ListMessagesResponse
	req := &ListMessagesRequest{ConversationID: conversationID, Before: before, Limit: limit}
	if err := c.invoke(ctx, "ListMessages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) CountMessages(ctx context.Context, q chat.CountQuery) (int, error) {
	var resp CountMessagesResponse
	req := &CountMessagesRequest{ConversationID: q.ConversationID, ExcludeSender: q.ExcludeSender, After: q.After}
	if err := c.invoke(ctx, "CountMessages", req, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	var resp ReadCursorResponse
	if err := c.invoke(ctx, "MarkRead", &ReadCursorRequest{ConversationID: conversationID, UserID: userID}, &resp); err != nil {
		return chat.ReadCursor{}, err
	}
	return resp.Cursor, nil
}

func (c *Client) GetReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	var resp ReadCursorResponse
	if err := c.invoke(ctx, "GetReadCursor", &ReadCursorRequest{ConversationID: conversationID, UserID: userID}, &resp); err != nil {
		return chat.ReadCursor{}, err
	}
	return resp.Cursor, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	callCtx, cancel := c.wrapCall(ctx)
	defer cancel()
	if err := c.conn.Invoke(callCtx, fullMethod(method), req, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return fromStatus(err)
	}
	return nil
}

func (c *Client) wrapCall(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func keyRequest(key chat.ConversationKey) *ConversationKeyRequest {
	return &ConversationKeyRequest{ClientID: key.ClientID, ProviderID: key.ProviderID, RequestID: key.RequestID}
}

// fromStatus maps gRPC status codes back to chat sentinel errors.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", chat.ErrNotFound, st.Message())
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s", chat.ErrConversationExists, st.Message())
	case codes.InvalidArgument:
		for _, sentinel := range []error{chat.ErrTextRequired, chat.ErrParticipantsRequired, chat.ErrSelfConversation} {
			if st.Message() == sentinel.Error() {
				return sentinel
			}
		}
		return fmt.Errorf("%w: %s", chat.ErrInvalidArgument, st.Message())
	case codes.PermissionDenied:
		return chat.ErrNotParticipant
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", chat.ErrUnavailable, st.Message())
	default:
		return err
	}
}
