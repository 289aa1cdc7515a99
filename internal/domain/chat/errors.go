package chat

import "errors"

var (
	ErrNotFound             = errors.New("chat: not found")
	ErrConversationExists   = errors.New("chat: conversation already exists")
	ErrInvalidArgument      = errors.New("chat: invalid argument")
	ErrTextRequired         = errors.New("chat: text is required")
	ErrParticipantsRequired = errors.New("chat: client and provider are required")
	ErrSelfConversation     = errors.New("chat: cannot start a conversation with yourself")
	ErrNotParticipant       = errors.New("chat: not a conversation participant")
	ErrUnavailable          = errors.New("chat: backend unavailable")
)
