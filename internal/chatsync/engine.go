package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"marketchat/internal/domain/chat"
)

type liveSubscription struct {
	refs int
	sub  Subscription
}

// Engine keeps one change-feed subscription per open conversation and folds
// remote inserts into the message store.
type Engine struct {
	feed       ChangeFeed
	identity   IdentityService
	store      *MessageStore
	viewer     string
	invalidate func()
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[string]*liveSubscription
	closed bool
	wg     sync.WaitGroup
}

// NewEngine wires the engine. invalidate is called after every merged remote insert.
func NewEngine(feed ChangeFeed, identity IdentityService, store *MessageStore, viewer string, invalidate func(), logger *slog.Logger) *Engine {
	return &Engine{
		feed:       feed,
		identity:   identity,
		store:      store,
		viewer:     viewer,
		invalidate: invalidate,
		logger:     logger,
		subs:       make(map[string]*liveSubscription),
	}
}

// Subscribe registers interest in inserts for a conversation. A second holder
// reuses the existing subscription.
func (e *Engine) Subscribe(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errFeedClosed
	}
	if live, ok := e.subs[conversationID]; ok {
		live.refs++
		e.mu.Unlock()
		return nil
	}
	// reserve the slot so concurrent opens do not subscribe twice
	live := &liveSubscription{refs: 1}
	e.subs[conversationID] = live
	e.mu.Unlock()

	sub, err := e.feed.SubscribeInserts(ctx, chat.MessagesTable, chat.ConversationFilter(conversationID), e.dispatch)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if e.subs[conversationID] == live {
			delete(e.subs, conversationID)
		}
		return fmt.Errorf("subscribe %s: %w", conversationID, err)
	}
	if e.subs[conversationID] != live || e.closed {
		// every holder left while the subscription was being set up
		_ = sub.Unsubscribe()
		return nil
	}
	live.sub = sub
	return nil
}

// Unsubscribe drops one holder; the subscription is torn down with the last.
func (e *Engine) Unsubscribe(conversationID string) {
	e.mu.Lock()
	live, ok := e.subs[conversationID]
	if !ok {
		e.mu.Unlock()
		return
	}
	live.refs--
	if live.refs > 0 {
		e.mu.Unlock()
		return
	}
	delete(e.subs, conversationID)
	sub := live.sub
	e.mu.Unlock()

	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil && e.logger != nil {
		e.logger.Warn("unsubscribe failed", "conversation_id", conversationID, "error", err)
	}
}

// Subscribed reports whether a live subscription exists for the conversation.
func (e *Engine) Subscribed(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.subs[conversationID]
	return ok
}

// Resync is invoked after the transport reconnects. Missed inserts are not
// backfilled; unread state is recomputed.
func (e *Engine) Resync() {
	if e.invalidate != nil {
		e.invalidate()
	}
}

// Close tears down every subscription and waits for in-flight inserts.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	subs := e.subs
	e.subs = make(map[string]*liveSubscription)
	e.mu.Unlock()

	for id, live := range subs {
		if live.sub == nil {
			continue
		}
		if err := live.sub.Unsubscribe(); err != nil && e.logger != nil {
			e.logger.Warn("unsubscribe failed", "conversation_id", id, "error", err)
		}
	}
	e.wg.Wait()
}

// dispatch runs on the transport goroutine; the profile lookup must not block it.
func (e *Engine) dispatch(ev chat.ChangeEvent) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		e.HandleInsert(context.Background(), ev)
	}()
}

// HandleInsert applies one remote insert. It reports whether the message was merged.
func (e *Engine) HandleInsert(ctx context.Context, ev chat.ChangeEvent) bool {
	if ev.Type != chat.ChangeInsert || ev.Table != chat.MessagesTable {
		return false
	}
	msg := ev.Record
	if msg.SenderID == e.viewer {
		return false
	}
	if !e.Subscribed(msg.ConversationID) {
		return false
	}

	var sender *chat.Profile
	if e.identity != nil {
		profile, err := e.identity.GetProfile(ctx, msg.SenderID)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("sender profile lookup failed", "conversation_id", msg.ConversationID, "sender_id", msg.SenderID, "error", err)
			}
		} else {
			sender = &profile
		}
	}

	merged := e.store.MergeRemote(msg, sender)
	if e.invalidate != nil {
		e.invalidate()
	}
	return merged
}
