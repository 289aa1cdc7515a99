package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/chat"
)

// Store keeps conversations, messages and read cursors in process memory with the
// same semantics as the Scylla store.
type Store struct {
	mu       sync.RWMutex
	convs    map[string]chat.Conversation
	keys     map[string]string
	messages map[string][]chat.Message // oldest first
	byID     map[string]chat.Message
	cursors  map[string]chat.ReadCursor

	// newest read cursor per conversation; new messages are stamped after it
	readMarks map[string]time.Time
}

func NewStore() *Store {
	return &Store{
		convs:     make(map[string]chat.Conversation),
		keys:      make(map[string]string),
		messages:  make(map[string][]chat.Message),
		byID:      make(map[string]chat.Message),
		cursors:   make(map[string]chat.ReadCursor),
		readMarks: make(map[string]time.Time),
	}
}

func (s *Store) FindConversation(_ context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[key.String()]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return s.convs[id], nil
}

func (s *Store) CreateConversation(_ context.Context, key chat.ConversationKey, now time.Time) (chat.Conversation, error) {
	key = key.Normalize()
	if err := key.Validate(); err != nil {
		return chat.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.String()]; ok {
		return chat.Conversation{}, chat.ErrConversationExists
	}
	conv := chat.Conversation{
		ID:         uuid.NewString(),
		ClientID:   key.ClientID,
		ProviderID: key.ProviderID,
		RequestID:  key.RequestID,
		CreatedAt:  now.UTC().Truncate(time.Millisecond),
	}
	s.convs[conv.ID] = conv
	s.keys[key.String()] = conv.ID
	return conv, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return conv, nil
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Conversation, 0)
	for _, conv := range s.convs {
		if conv.HasParticipant(userID) {
			out = append(out, conv)
		}
	}
	slices.SortFunc(out, chat.ByLastActivity)
	return out, nil
}

func (s *Store) AddMessage(_ context.Context, params chat.NewMessageParams, now time.Time) (chat.Message, error) {
	params, err := params.Normalize()
	if err != nil {
		return chat.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[params.ConversationID]
	if !ok {
		return chat.Message{}, chat.ErrNotFound
	}
	if params.ID == "" {
		params.ID = uuid.NewString()
	}
	if existing, ok := s.byID[params.ID]; ok {
		if existing.ConversationID != params.ConversationID {
			return chat.Message{}, chat.ErrInvalidArgument
		}
		return existing, nil
	}
	msg := chat.Message{
		ID:             params.ID,
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Text:           params.Text,
		IsSystem:       params.IsSystem,
		CreatedAt:      chat.NextTimestamp(now, conv.LastMessageAt, s.readMarks[conv.ID]),
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	s.byID[msg.ID] = msg
	conv.Touch(msg)
	s.convs[conv.ID] = conv
	return msg, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	limit = chat.NormalizeLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[conversationID]
	out := make([]chat.Message, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if !before.IsZero() && !all[i].CreatedAt.Before(before) {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) CountMessages(_ context.Context, q chat.CountQuery) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, msg := range s.messages[q.ConversationID] {
		if q.Matches(msg) {
			n++
		}
	}
	return n, nil
}

func (s *Store) UpsertReadCursor(_ context.Context, conversationID, userID string, at time.Time) (chat.ReadCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return chat.ReadCursor{}, chat.ErrNotFound
	}
	rc := chat.ReadCursor{ConversationID: conversationID, UserID: userID, LastReadAt: chat.ReadMark(at, conv.LastMessageAt)}
	s.cursors[cursorKey(conversationID, userID)] = rc
	if rc.LastReadAt.After(s.readMarks[conversationID]) {
		s.readMarks[conversationID] = rc.LastReadAt
	}
	return rc, nil
}

func (s *Store) GetReadCursor(_ context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.cursors[cursorKey(conversationID, userID)]
	if !ok {
		return chat.ReadCursor{}, chat.ErrNotFound
	}
	return rc, nil
}

// Ping satisfies readiness checks.
func (s *Store) Ping(context.Context) error { return nil }

func cursorKey(conversationID, userID string) string {
	return conversationID + "|" + userID
}
