package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketchat/internal/domain/chat"
)

// PrefetchThreshold is how close to the tail of the loaded set a visible item must be
// before the next page is fetched.
const PrefetchThreshold = 10

var errFeedClosed = errors.New("chatsync: conversation feed closed")

// Entry is a cached message enriched for display.
type Entry struct {
	chat.Message
	Sender  *chat.Profile `json:"sender,omitempty"`
	Pending bool          `json:"pending,omitempty"`
	Failed  bool          `json:"failed,omitempty"`
}

// FeedState is an immutable snapshot of one conversation's cached history.
type FeedState struct {
	ConversationID string
	// Messages are newest first.
	Messages  []Entry
	Exhausted bool
	Loading   bool
	Version   uint64
}

// Head returns the id of the newest cached message.
func (s FeedState) Head() string {
	if len(s.Messages) == 0 {
		return ""
	}
	return s.Messages[0].ID
}

type messageCache struct {
	refs      int
	pages     [][]Entry
	ids       map[string]struct{}
	loaded    bool
	exhausted bool
	loading   bool
	version   uint64
	state     *Observable[FeedState]
	publishMu sync.Mutex
}

// MessageStore caches reverse-chronological pages of messages per conversation.
type MessageStore struct {
	api    DataAPI
	viewer string
	logger *slog.Logger

	mu     sync.Mutex
	caches map[string]*messageCache
}

// NewMessageStore builds a store for the viewing user.
func NewMessageStore(api DataAPI, viewer string, logger *slog.Logger) *MessageStore {
	return &MessageStore{
		api:    api,
		viewer: viewer,
		logger: logger,
		caches: make(map[string]*messageCache),
	}
}

// Open registers interest in a conversation and returns its observable state.
func (s *MessageStore) Open(conversationID string) *Observable[FeedState] {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[conversationID]
	if !ok {
		c = &messageCache{ids: make(map[string]struct{})}
		c.state = NewObservable(FeedState{ConversationID: conversationID})
		s.caches[conversationID] = c
	}
	c.refs++
	return c.state
}

// Release drops interest; the cache is discarded with its last holder.
func (s *MessageStore) Release(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[conversationID]
	if !ok {
		return
	}
	c.refs--
	if c.refs <= 0 {
		delete(s.caches, conversationID)
	}
}

// Reset drops a conversation's cache regardless of holders. Pending fetches are discarded.
func (s *MessageStore) Reset(conversationID string) {
	s.mu.Lock()
	c, ok := s.caches[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	fresh := &messageCache{ids: make(map[string]struct{}), refs: c.refs, state: c.state}
	s.caches[conversationID] = fresh
	s.mu.Unlock()
	s.publish(conversationID, fresh)
}

// Snapshot returns the current state of a conversation.
func (s *MessageStore) Snapshot(conversationID string) (FeedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[conversationID]
	if !ok {
		return FeedState{ConversationID: conversationID}, false
	}
	return c.snapshot(conversationID), true
}

// LoadPage fetches the page older than before (nil = newest page) and merges it.
// It returns the entries that were newly added.
func (s *MessageStore) LoadPage(ctx context.Context, conversationID string, before *time.Time) ([]Entry, error) {
	c, err := s.beginLoad(conversationID)
	if err != nil {
		return nil, err
	}
	s.publish(conversationID, c)

	var cursor time.Time
	if before != nil {
		cursor = *before
	}
	msgs, fetchErr := s.api.ListMessages(ctx, conversationID, cursor, chat.PageSize)

	s.mu.Lock()
	current, ok := s.caches[conversationID]
	if !ok || current != c {
		s.mu.Unlock()
		return nil, errFeedClosed
	}
	c.loading = false
	var added []Entry
	if fetchErr == nil {
		if before == nil {
			added = c.mergeFirstPage(msgs)
		} else {
			added = c.appendPage(msgs)
		}
		c.loaded = true
		if len(msgs) < chat.PageSize {
			c.exhausted = true
		}
	}
	c.version++
	s.mu.Unlock()
	s.publish(conversationID, c)

	if fetchErr != nil {
		if s.logger != nil {
			s.logger.Warn("message page fetch failed", "conversation_id", conversationID, "error", fetchErr)
		}
		return nil, fmt.Errorf("load messages: %w", fetchErr)
	}
	return added, nil
}

// LoadMore fetches the page after the oldest loaded message unless the feed is
// exhausted or a fetch is already running.
func (s *MessageStore) LoadMore(ctx context.Context, conversationID string) ([]Entry, error) {
	s.mu.Lock()
	c, ok := s.caches[conversationID]
	if !ok {
		s.mu.Unlock()
		return nil, errFeedClosed
	}
	if c.loading || c.exhausted {
		s.mu.Unlock()
		return nil, nil
	}
	if !c.loaded {
		s.mu.Unlock()
		return s.LoadPage(ctx, conversationID, nil)
	}
	cursor, ok := c.tailCursor()
	s.mu.Unlock()
	if !ok {
		return s.LoadPage(ctx, conversationID, nil)
	}
	return s.LoadPage(ctx, conversationID, &cursor)
}

// AppendLocal inserts an optimistic message at the head of the newest page.
func (s *MessageStore) AppendLocal(msg chat.Message, sender *chat.Profile) (Entry, bool) {
	entry := Entry{Message: msg, Sender: sender, Pending: true}
	return entry, s.insertHead(entry)
}

// MergeRemote inserts a pushed message unless it was authored by the viewer,
// whose messages are already represented through the optimistic path.
func (s *MessageStore) MergeRemote(msg chat.Message, sender *chat.Profile) bool {
	if msg.SenderID == s.viewer {
		return false
	}
	return s.insertHead(Entry{Message: msg, Sender: sender})
}

// Confirm replaces a pending message with its persisted copy, keeping its position.
func (s *MessageStore) Confirm(msg chat.Message) bool {
	return s.update(msg.ConversationID, msg.ID, func(e *Entry) {
		e.Message = msg
		e.Pending = false
		e.Failed = false
	})
}

// MarkFailed flags a pending message whose persistence call was rejected.
func (s *MessageStore) MarkFailed(conversationID, messageID string) bool {
	return s.update(conversationID, messageID, func(e *Entry) {
		e.Pending = false
		e.Failed = true
	})
}

func (s *MessageStore) insertHead(entry Entry) bool {
	conversationID := entry.ConversationID
	s.mu.Lock()
	c, ok := s.caches[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, dup := c.ids[entry.ID]; dup {
		s.mu.Unlock()
		return false
	}
	if len(c.pages) == 0 {
		c.pages = append(c.pages, nil)
	}
	c.pages[0] = insertOrdered(c.pages[0], entry)
	c.ids[entry.ID] = struct{}{}
	c.version++
	s.mu.Unlock()
	s.publish(conversationID, c)
	return true
}

func (s *MessageStore) update(conversationID, messageID string, fn func(*Entry)) bool {
	s.mu.Lock()
	c, ok := s.caches[conversationID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	found := false
	for p := range c.pages {
		for i := range c.pages[p] {
			if c.pages[p][i].ID == messageID {
				fn(&c.pages[p][i])
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if found {
		c.version++
	}
	s.mu.Unlock()
	if found {
		s.publish(conversationID, c)
	}
	return found
}

func (s *MessageStore) beginLoad(conversationID string) (*messageCache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[conversationID]
	if !ok {
		return nil, errFeedClosed
	}
	c.loading = true
	c.version++
	return c, nil
}

// publish pushes the latest snapshot. Snapshots are taken and delivered under the
// cache's publish lock so a slower publisher never overwrites a newer snapshot.
func (s *MessageStore) publish(conversationID string, c *messageCache) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	s.mu.Lock()
	snap := c.snapshot(conversationID)
	s.mu.Unlock()
	c.state.Set(snap)
}

func (c *messageCache) snapshot(conversationID string) FeedState {
	total := 0
	for _, page := range c.pages {
		total += len(page)
	}
	msgs := make([]Entry, 0, total)
	for _, page := range c.pages {
		msgs = append(msgs, page...)
	}
	return FeedState{
		ConversationID: conversationID,
		Messages:       msgs,
		Exhausted:      c.exhausted,
		Loading:        c.loading,
		Version:        c.version,
	}
}

// tailCursor is the creation time of the oldest persisted message in the last loaded page.
func (c *messageCache) tailCursor() (time.Time, bool) {
	for p := len(c.pages) - 1; p >= 0; p-- {
		page := c.pages[p]
		for i := len(page) - 1; i >= 0; i-- {
			if !page[i].Pending && !page[i].Failed {
				return page[i].CreatedAt, true
			}
		}
	}
	return time.Time{}, false
}

// mergeFirstPage refreshes the newest page. Entries already cached but absent from
// the fetch (optimistic sends, pushes newer than the fetch) stay at the head.
func (c *messageCache) mergeFirstPage(msgs []chat.Message) []Entry {
	var added []Entry
	if len(c.pages) == 0 {
		c.pages = append(c.pages, nil)
	}
	head := c.pages[0]
	for _, msg := range msgs {
		if _, dup := c.ids[msg.ID]; dup {
			replaceConfirmed(c.pages, msg)
			continue
		}
		entry := Entry{Message: msg}
		head = insertOrdered(head, entry)
		c.ids[msg.ID] = struct{}{}
		added = append(added, entry)
	}
	c.pages[0] = head
	return added
}

func (c *messageCache) appendPage(msgs []chat.Message) []Entry {
	page := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		if _, dup := c.ids[msg.ID]; dup {
			replaceConfirmed(c.pages, msg)
			continue
		}
		page = append(page, Entry{Message: msg})
		c.ids[msg.ID] = struct{}{}
	}
	if len(page) > 0 {
		c.pages = append(c.pages, page)
	}
	return page
}

// replaceConfirmed settles a pending copy of msg that raced a fetch.
func replaceConfirmed(pages [][]Entry, msg chat.Message) {
	for p := range pages {
		for i := range pages[p] {
			if pages[p][i].ID != msg.ID {
				continue
			}
			if pages[p][i].Pending {
				pages[p][i].Message = msg
				pages[p][i].Pending = false
			}
			return
		}
	}
}

// insertOrdered places entry before the first entry that is not newer than it.
func insertOrdered(page []Entry, entry Entry) []Entry {
	idx := 0
	for idx < len(page) && page[idx].CreatedAt.After(entry.CreatedAt) {
		idx++
	}
	page = append(page, Entry{})
	copy(page[idx+1:], page[idx:])
	page[idx] = entry
	return page
}
