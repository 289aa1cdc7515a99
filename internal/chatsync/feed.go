package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketchat/internal/domain/chat"
)

const feedErrorBuffer = 16

// Feed is a mounted conversation view.
type Feed struct {
	client *Client
	conv   chat.Conversation
	state  *Observable[FeedState]
	typing *Typing
	errs   chan error

	stopHead func()
	inflight sync.WaitGroup

	mu           sync.Mutex
	lastIncoming string
	closed       bool
}

func (c *Client) mount(ctx context.Context, conv chat.Conversation) (*Feed, error) {
	f := &Feed{
		client: c,
		conv:   conv,
		errs:   make(chan error, feedErrorBuffer),
	}
	f.state = c.store.Open(conv.ID)
	if err := c.engine.Subscribe(ctx, conv.ID); err != nil {
		c.store.Release(conv.ID)
		return nil, err
	}
	if c.cfg.Broadcasts != nil {
		typing, err := JoinTyping(ctx, c.cfg.Broadcasts, conv.ID, c.cfg.Viewer, c.cfg.TypingTTL, c.logger)
		if err != nil {
			c.logger.Warn("typing unavailable", "conversation_id", conv.ID, "error", err)
		} else {
			f.typing = typing
		}
	}

	if _, err := c.store.LoadPage(ctx, conv.ID, nil); err != nil {
		f.teardown()
		return nil, err
	}

	f.mu.Lock()
	f.lastIncoming = newestIncoming(f.state.Get(), c.cfg.Viewer.UserID)
	f.mu.Unlock()
	f.stopHead = f.state.Subscribe(f.onState)

	_ = c.cursors.MarkRead(ctx, conv.ID)
	return f, nil
}

// Conversation returns the conversation the feed is bound to.
func (f *Feed) Conversation() chat.Conversation { return f.conv }

// Messages is the feed's newest-first message state.
func (f *Feed) Messages() *Observable[FeedState] { return f.state }

// Errors reports failed sends. The failed message stays in the feed flagged as failed.
func (f *Feed) Errors() <-chan error { return f.errs }

// Typing returns the typing channel, or nil when no broadcaster is configured.
func (f *Feed) Typing() *Typing { return f.typing }

// Send appends the message optimistically and persists it in the background.
func (f *Feed) Send(ctx context.Context, text string) (Entry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, chat.ErrTextRequired
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Entry{}, errFeedClosed
	}
	f.inflight.Add(1)
	f.mu.Unlock()

	viewer := f.client.cfg.Viewer
	msg := chat.Message{
		ID:             uuid.NewString(),
		ConversationID: f.conv.ID,
		SenderID:       viewer.UserID,
		Text:           text,
		CreatedAt:      time.Now().UTC(),
	}
	entry, _ := f.client.store.AppendLocal(msg, &viewer)

	persistCtx := context.WithoutCancel(ctx)
	go func() {
		defer f.inflight.Done()
		f.persist(persistCtx, msg)
	}()
	return entry, nil
}

// Wait blocks until every send issued so far has been settled.
func (f *Feed) Wait() { f.inflight.Wait() }

// Visible is called with the index of a rendered message (0 = newest). Near the tail
// of the loaded history it fetches the next older page.
func (f *Feed) Visible(ctx context.Context, index int) error {
	state := f.state.Get()
	if state.Exhausted || state.Loading {
		return nil
	}
	if index < len(state.Messages)-PrefetchThreshold {
		return nil
	}
	_, err := f.client.store.LoadMore(ctx, f.conv.ID)
	if errors.Is(err, errFeedClosed) {
		return nil
	}
	return err
}

// Close unmounts the feed. Fetches still running complete and are discarded.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	if f.stopHead != nil {
		f.stopHead()
	}
	return f.teardown()
}

func (f *Feed) teardown() error {
	var err error
	if f.typing != nil {
		err = f.typing.Close()
	}
	f.client.engine.Unsubscribe(f.conv.ID)
	f.client.store.Release(f.conv.ID)
	return err
}

func (f *Feed) persist(ctx context.Context, msg chat.Message) {
	saved, err := f.client.cfg.API.InsertMessage(ctx, chat.NewMessageParams{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
	})
	if err != nil {
		f.client.store.MarkFailed(msg.ConversationID, msg.ID)
		f.client.logger.Warn("send message failed", "conversation_id", msg.ConversationID, "message_id", msg.ID, "error", err)
		f.report(fmt.Errorf("send message %s: %w", msg.ID, err))
		return
	}
	f.client.store.Confirm(saved)
	f.client.invalidate()
}

func (f *Feed) report(err error) {
	select {
	case f.errs <- err:
	default:
		f.client.logger.Debug("feed error dropped", "conversation_id", f.conv.ID, "error", err)
	}
}

// onState marks the conversation read whenever a newer other-party message is cached.
// The head alone is not enough: an unsent own message can stay above later arrivals.
func (f *Feed) onState(state FeedState) {
	incoming := newestIncoming(state, f.client.cfg.Viewer.UserID)
	f.mu.Lock()
	if f.closed || incoming == "" || incoming == f.lastIncoming {
		f.mu.Unlock()
		return
	}
	f.lastIncoming = incoming
	f.inflight.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.inflight.Done()
		_ = f.client.cursors.MarkRead(context.Background(), f.conv.ID)
	}()
}

func newestIncoming(state FeedState, viewer string) string {
	for _, e := range state.Messages {
		if e.SenderID != viewer {
			return e.ID
		}
	}
	return ""
}
