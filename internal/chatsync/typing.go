package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/domain/chat"
)

// TypingTTL is how long a received typing signal stays valid.
const TypingTTL = 3 * time.Second

// Typing exchanges "is typing" signals for one conversation.
type Typing struct {
	conversationID string
	viewer         chat.Profile
	ttl            time.Duration
	logger         *slog.Logger

	channel EphemeralChannel
	typist  *Observable[string]

	mu     sync.Mutex
	timer  *time.Timer
	gen    uint64
	closed bool
}

// JoinTyping joins the typing topic of a conversation.
func JoinTyping(ctx context.Context, b Broadcaster, conversationID string, viewer chat.Profile, ttl time.Duration, logger *slog.Logger) (*Typing, error) {
	if ttl <= 0 {
		ttl = TypingTTL
	}
	t := &Typing{
		conversationID: conversationID,
		viewer:         viewer,
		ttl:            ttl,
		logger:         logger,
		typist:         NewObservable(""),
	}
	ch, err := b.Join(ctx, chat.TypingTopic(conversationID), EphemeralHandlers{OnBroadcast: t.receive})
	if err != nil {
		return nil, fmt.Errorf("join typing %s: %w", conversationID, err)
	}
	t.channel = ch
	return t, nil
}

// Typist is the display name of the other participant currently typing, or "".
func (t *Typing) Typist() *Observable[string] { return t.typist }

// Send announces that the viewer is typing. Delivery is best-effort.
func (t *Typing) Send(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errFeedClosed
	}
	payload, err := json.Marshal(chat.TypingSignal{
		ConversationID: t.conversationID,
		UserID:         t.viewer.UserID,
		DisplayName:    t.viewer.DisplayName,
	})
	if err != nil {
		return err
	}
	if err := t.channel.Broadcast(ctx, chat.TypingEvent, payload); err != nil {
		return fmt.Errorf("broadcast typing: %w", err)
	}
	return nil
}

// Close stops the expiry timer and leaves the topic.
func (t *Typing) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	return t.channel.Leave()
}

func (t *Typing) receive(event string, payload json.RawMessage) {
	if event != chat.TypingEvent {
		return
	}
	var sig chat.TypingSignal
	if err := json.Unmarshal(payload, &sig); err != nil {
		if t.logger != nil {
			t.logger.Debug("malformed typing signal", "conversation_id", t.conversationID, "error", err)
		}
		return
	}
	if sig.UserID == "" || sig.UserID == t.viewer.UserID {
		return
	}
	name := sig.DisplayName
	if name == "" {
		name = sig.UserID
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.ttl, func() { t.expire(gen) })
	t.mu.Unlock()

	t.typist.Set(name)
}

// expire clears the slot unless a newer signal re-armed the timer.
func (t *Typing) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()
	t.typist.Set("")
}
