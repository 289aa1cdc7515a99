package messaging

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"marketchat/internal/domain/chat"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "marketchat.messaging.v1.MessagingService"

// CodecName is the content subtype negotiated by clients ("application/grpc+json").
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ConversationKeyRequest struct {
	ClientID   string `json:"client_id"`
	ProviderID string `json:"provider_id"`
	RequestID  string `json:"request_id,omitempty"`
}

func (r *ConversationKeyRequest) Key() chat.ConversationKey {
	return chat.ConversationKey{ClientID: r.ClientID, ProviderID: r.ProviderID, RequestID: r.RequestID}.Normalize()
}

type GetConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type ConversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
}

type ListConversationsRequest struct {
	UserID string `json:"user_id"`
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []chat.Conversation `json:"conversations"`
	NextCursor    string              `json:"next_cursor,omitempty"`
}

type SendMessageRequest struct {
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	IsSystem       bool   `json:"is_system,omitempty"`
}

type MessageResponse struct {
	Message chat.Message `json:"message"`
}

type ListMessagesRequest struct {
	ConversationID string    `json:"conversation_id"`
	Before         time.Time `json:"before,omitempty"`
	Limit          int       `json:"limit,omitempty"`
}

type ListMessagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

type CountMessagesRequest struct {
	ConversationID string    `json:"conversation_id"`
	ExcludeSender  string    `json:"exclude_sender,omitempty"`
	After          time.Time `json:"after,omitempty"`
}

type CountMessagesResponse struct {
	Count int `json:"count"`
}

type ReadCursorRequest struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type ReadCursorResponse struct {
	Cursor chat.ReadCursor `json:"cursor"`
}

// MessagingServer is the server-side contract of the messaging service.
type MessagingServer interface {
	FindConversation(context.Context, *ConversationKeyRequest) (*ConversationResponse, error)
	CreateConversation(context.Context, *ConversationKeyRequest) (*ConversationResponse, error)
	GetConversation(context.Context, *GetConversationRequest) (*ConversationResponse, error)
	ListConversations(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*MessageResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	CountMessages(context.Context, *CountMessagesRequest) (*CountMessagesResponse, error)
	MarkRead(context.Context, *ReadCursorRequest) (*ReadCursorResponse, error)
	GetReadCursor(context.Context, *ReadCursorRequest) (*ReadCursorResponse, error)
}

// ServiceDesc describes MessagingService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("FindConversation", MessagingServer.FindConversation),
		unary("CreateConversation", MessagingServer.CreateConversation),
		unary("GetConversation", MessagingServer.GetConversation),
		unary("ListConversations", MessagingServer.ListConversations),
		unary("SendMessage", MessagingServer.SendMessage),
		unary("ListMessages", MessagingServer.ListMessages),
		unary("CountMessages", MessagingServer.CountMessages),
		unary("MarkRead", MessagingServer.MarkRead),
		unary("GetReadCursor", MessagingServer.GetReadCursor),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketchat/messaging/v1/messaging.json",
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv MessagingServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(MessagingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MessagingServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MessagingServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
