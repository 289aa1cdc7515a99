package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gocql/gocql"

	"marketchat/internal/domain/chat"
)

// maxActivityRetries bounds compare-and-set attempts on a conversation's last activity.
const maxActivityRetries = 8

var errNoSession = errors.New("scylla session not initialized")

// Store wraps Scylla queries for conversations, messages and read cursors.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
}

// NewStore builds a Store.
func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger}
}

// Ping runs a trivial query against the cluster.
func (s *Store) Ping(ctx context.Context) error {
	if s.session == nil {
		return errNoSession
	}
	var version string
	return s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Consistency(gocql.One).Scan(&version)
}

// FindConversation resolves a conversation through its unique key row.
func (s *Store) FindConversation(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	if s.session == nil {
		return chat.Conversation{}, errNoSession
	}
	var id string
	if err := s.session.
		Query(`SELECT conversation_id FROM conversation_keys WHERE key = ? LIMIT 1`, key.String()).
		WithContext(ctx).
		Scan(&id); err != nil {
		return chat.Conversation{}, mapErr(err)
	}
	return s.GetConversation(ctx, id)
}

// CreateConversation claims the key with a lightweight transaction so concurrent creators
// observe exactly one winner.
func (s *Store) CreateConversation(ctx context.Context, key chat.ConversationKey, now time.Time) (chat.Conversation, error) {
	if s.session == nil {
		return chat.Conversation{}, errNoSession
	}
	key = key.Normalize()
	if now.IsZero() {
		now = time.Now()
	}
	conv := chat.Conversation{
		ID:         gocql.TimeUUID().String(),
		ClientID:   key.ClientID,
		ProviderID: key.ProviderID,
		RequestID:  key.RequestID,
		CreatedAt:  now.UTC().Truncate(time.Millisecond),
	}

	var existing string
	applied, err := s.session.
		Query(`INSERT INTO conversation_keys (key, conversation_id) VALUES (?, ?) IF NOT EXISTS`, key.String(), conv.ID).
		WithContext(ctx).
		ScanCAS(new(string), &existing)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("claim conversation key: %w", err)
	}
	if !applied {
		return chat.Conversation{}, chat.ErrConversationExists
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO conversations (id, client_id, provider_id, request_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.ClientID, conv.ProviderID, conv.RequestID, conv.CreatedAt)
	batch.Query(`INSERT INTO conversations_by_user (user_id, conversation_id) VALUES (?, ?)`, conv.ClientID, conv.ID)
	batch.Query(`INSERT INTO conversations_by_user (user_id, conversation_id) VALUES (?, ?)`, conv.ProviderID, conv.ID)
	if err := s.session.ExecuteBatch(batch); err != nil {
		if s.logger != nil {
			s.logger.Error("conversation rows not written after key claim", "conversation_id", conv.ID, "key", key.String(), "error", err)
		}
		return chat.Conversation{}, err
	}
	return conv, nil
}

// GetConversation returns a conversation by its identifier.
func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	if s.session == nil {
		return chat.Conversation{}, errNoSession
	}
	var conv chat.Conversation
	if err := s.session.
		Query(`SELECT id, client_id, provider_id, request_id, created_at, last_message_at, last_message_text FROM conversations WHERE id = ? LIMIT 1`, strings.TrimSpace(id)).
		WithContext(ctx).
		Scan(&conv.ID, &conv.ClientID, &conv.ProviderID, &conv.RequestID, &conv.CreatedAt, &conv.LastMessageAt, &conv.LastMessageText); err != nil {
		return chat.Conversation{}, mapErr(err)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.LastMessageAt = conv.LastMessageAt.UTC()
	return conv, nil
}

// ListConversations returns every conversation userID takes part in, most recent first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]chat.Conversation, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT conversation_id FROM conversations_by_user WHERE user_id = ?`, userID).
		WithContext(ctx).
		Iter()
	var (
		id  string
		ids []string
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	conversations := make([]chat.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if errors.Is(err, chat.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	slices.SortFunc(conversations, chat.ByLastActivity)
	return conversations, nil
}

// AddMessage persists a message with a server-assigned timestamp. The conversation's
// last_message_at is advanced with compare-and-set, conditioned on last_read_at as well,
// so timestamps within a conversation stay strictly increasing across concurrent writers
// and always land after the newest stored read cursor.
func (s *Store) AddMessage(ctx context.Context, params chat.NewMessageParams, now time.Time) (chat.Message, error) {
	if s.session == nil {
		return chat.Message{}, errNoSession
	}
	params, err := params.Normalize()
	if err != nil {
		return chat.Message{}, err
	}
	if params.ID == "" {
		params.ID = gocql.TimeUUID().String()
	}
	if stored, err := s.messageByID(ctx, params.ID); err == nil {
		if stored.ConversationID != params.ConversationID {
			return chat.Message{}, chat.ErrInvalidArgument
		}
		return stored, nil
	} else if !errors.Is(err, chat.ErrNotFound) {
		return chat.Message{}, err
	}

	last, lastRead, err := s.activity(ctx, params.ConversationID)
	if err != nil {
		return chat.Message{}, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	snippet := chat.Snippet(params.Text, chat.PreviewLimit)
	var at time.Time
	for attempt := 0; ; attempt++ {
		if attempt == maxActivityRetries {
			return chat.Message{}, fmt.Errorf("%w: conversation %s is contended", chat.ErrUnavailable, params.ConversationID)
		}
		at = chat.NextTimestamp(now, last, lastRead)
		var currentLast, currentRead time.Time
		applied, err := s.session.
			Query(`UPDATE conversations SET last_message_at = ?, last_message_text = ? WHERE id = ? IF last_message_at = ? AND last_read_at = ?`,
				at, snippet, params.ConversationID, nullableTime(last), nullableTime(lastRead)).
			WithContext(ctx).
			ScanCAS(&currentLast, &currentRead)
		if err != nil {
			return chat.Message{}, fmt.Errorf("advance conversation activity: %w", err)
		}
		if applied {
			break
		}
		last, lastRead = currentLast.UTC(), currentRead.UTC()
	}

	var (
		ownerID   string
		ownerTime time.Time
	)
	applied, err := s.session.
		Query(`INSERT INTO message_ids (message_id, conversation_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`,
			params.ID, params.ConversationID, at).
		WithContext(ctx).
		ScanCAS(new(string), &ownerID, &ownerTime)
	if err != nil {
		return chat.Message{}, fmt.Errorf("claim message id: %w", err)
	}
	if !applied {
		// a concurrent retry of the same message won the claim
		return s.messageByID(ctx, params.ID)
	}

	msg := chat.Message{
		ID:             params.ID,
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Text:           params.Text,
		IsSystem:       params.IsSystem,
		CreatedAt:      at,
	}
	if err := s.session.
		Query(`INSERT INTO messages (conversation_id, created_at, message_id, sender_id, text, is_system) VALUES (?, ?, ?, ?, ?, ?)`,
			msg.ConversationID, msg.CreatedAt, msg.ID, msg.SenderID, msg.Text, msg.IsSystem).
		WithContext(ctx).
		Exec(); err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages older than before, newest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	limit = chat.NormalizeLimit(limit)
	var query *gocql.Query
	if before.IsZero() {
		query = s.session.Query(`SELECT message_id, sender_id, text, is_system, created_at FROM messages WHERE conversation_id = ? LIMIT ?`,
			conversationID, limit)
	} else {
		query = s.session.Query(`SELECT message_id, sender_id, text, is_system, created_at FROM messages WHERE conversation_id = ? AND created_at < ? LIMIT ?`,
			conversationID, before.UTC(), limit)
	}
	iter := query.WithContext(ctx).Iter()
	messages := make([]chat.Message, 0, limit)
	var msg chat.Message
	for iter.Scan(&msg.ID, &msg.SenderID, &msg.Text, &msg.IsSystem, &msg.CreatedAt) {
		msg.ConversationID = conversationID
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return messages, nil
}

// CountMessages counts matching messages. Sender exclusion is applied while scanning since
// sender_id is not part of the clustering key.
func (s *Store) CountMessages(ctx context.Context, q chat.CountQuery) (int, error) {
	if s.session == nil {
		return 0, errNoSession
	}
	var query *gocql.Query
	if q.After.IsZero() {
		query = s.session.Query(`SELECT sender_id FROM messages WHERE conversation_id = ?`, q.ConversationID)
	} else {
		query = s.session.Query(`SELECT sender_id FROM messages WHERE conversation_id = ? AND created_at > ?`, q.ConversationID, q.After.UTC())
	}
	iter := query.WithContext(ctx).PageSize(500).Iter()
	var (
		sender string
		n      int
	)
	for iter.Scan(&sender) {
		if q.ExcludeSender == "" || sender != q.ExcludeSender {
			n++
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

// UpsertReadCursor stores the last time userID read the conversation. The cursor never
// falls behind the newest message, and the conversation's last_read_at is raised with
// compare-and-set against last_message_at so reads and message stamps serialize.
func (s *Store) UpsertReadCursor(ctx context.Context, conversationID, userID string, at time.Time) (chat.ReadCursor, error) {
	if s.session == nil {
		return chat.ReadCursor{}, errNoSession
	}
	last, lastRead, err := s.activity(ctx, conversationID)
	if err != nil {
		return chat.ReadCursor{}, err
	}
	rc := chat.ReadCursor{ConversationID: conversationID, UserID: userID}
	for attempt := 0; ; attempt++ {
		if attempt == maxActivityRetries {
			return chat.ReadCursor{}, fmt.Errorf("%w: conversation %s is contended", chat.ErrUnavailable, conversationID)
		}
		rc.LastReadAt = chat.ReadMark(at, last)
		if !rc.LastReadAt.After(lastRead) {
			// an equal or newer read already bounds new message stamps
			break
		}
		var currentLast, currentRead time.Time
		applied, err := s.session.
			Query(`UPDATE conversations SET last_read_at = ? WHERE id = ? IF last_message_at = ? AND last_read_at = ?`,
				rc.LastReadAt, conversationID, nullableTime(last), nullableTime(lastRead)).
			WithContext(ctx).
			ScanCAS(&currentLast, &currentRead)
		if err != nil {
			return chat.ReadCursor{}, fmt.Errorf("advance conversation read mark: %w", err)
		}
		if applied {
			break
		}
		last, lastRead = currentLast.UTC(), currentRead.UTC()
	}
	if err := s.session.
		Query(`INSERT INTO read_cursors (conversation_id, user_id, last_read_at) VALUES (?, ?, ?)`,
			rc.ConversationID, rc.UserID, rc.LastReadAt).
		WithContext(ctx).
		Exec(); err != nil {
		return chat.ReadCursor{}, err
	}
	return rc, nil
}

// activity reads the timestamps that bound the next message stamp.
func (s *Store) activity(ctx context.Context, conversationID string) (lastMessageAt, lastReadAt time.Time, err error) {
	if err := s.session.
		Query(`SELECT last_message_at, last_read_at FROM conversations WHERE id = ?`, conversationID).
		WithContext(ctx).
		Scan(&lastMessageAt, &lastReadAt); err != nil {
		return time.Time{}, time.Time{}, mapErr(err)
	}
	return lastMessageAt.UTC(), lastReadAt.UTC(), nil
}

func (s *Store) GetReadCursor(ctx context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	if s.session == nil {
		return chat.ReadCursor{}, errNoSession
	}
	rc := chat.ReadCursor{ConversationID: conversationID, UserID: userID}
	if err := s.session.
		Query(`SELECT last_read_at FROM read_cursors WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).
		WithContext(ctx).
		Scan(&rc.LastReadAt); err != nil {
		return chat.ReadCursor{}, mapErr(err)
	}
	rc.LastReadAt = rc.LastReadAt.UTC()
	return rc, nil
}

func (s *Store) messageByID(ctx context.Context, id string) (chat.Message, error) {
	var (
		conversationID string
		createdAt      time.Time
	)
	if err := s.session.
		Query(`SELECT conversation_id, created_at FROM message_ids WHERE message_id = ?`, id).
		WithContext(ctx).
		Scan(&conversationID, &createdAt); err != nil {
		return chat.Message{}, mapErr(err)
	}
	msg := chat.Message{ID: id, ConversationID: conversationID, CreatedAt: createdAt.UTC()}
	if err := s.session.
		Query(`SELECT sender_id, text, is_system FROM messages WHERE conversation_id = ? AND created_at = ? AND message_id = ?`,
			conversationID, createdAt, id).
		WithContext(ctx).
		Scan(&msg.SenderID, &msg.Text, &msg.IsSystem); err != nil {
		return chat.Message{}, mapErr(err)
	}
	return msg, nil
}

func mapErr(err error) error {
	if errors.Is(err, gocql.ErrNotFound) {
		return chat.ErrNotFound
	}
	return err
}

// nullableTime binds a zero time as CQL null so LWT conditions match unset columns.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
