package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marketchat/internal/domain/chat"
)

var errBackend = errors.New("backend down")

// fakeAPI is an in-process DataAPI with a deterministic clock.
type fakeAPI struct {
	mu       sync.Mutex
	clock    time.Time
	seq      int
	convs    map[string]chat.Conversation
	keys     map[string]string
	messages map[string][]chat.Message // oldest first
	cursors  map[string]chat.ReadCursor
	profiles map[string]chat.Profile

	insertErr  error
	listErr    error
	createGate chan struct{}

	createCalls atomic.Int32
	listCalls   atomic.Int32
	pageCalls   atomic.Int32
	upsertCalls atomic.Int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		clock:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		convs:    make(map[string]chat.Conversation),
		keys:     make(map[string]string),
		messages: make(map[string][]chat.Message),
		cursors:  make(map[string]chat.ReadCursor),
		profiles: make(map[string]chat.Profile),
	}
}

func (f *fakeAPI) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeAPI) FindConversation(_ context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.keys[key.String()]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return f.convs[id], nil
}

func (f *fakeAPI) CreateConversation(_ context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	f.createCalls.Add(1)
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key.String()]; ok {
		return chat.Conversation{}, chat.ErrConversationExists
	}
	f.seq++
	conv := chat.Conversation{
		ID:         fmt.Sprintf("conv-%d", f.seq),
		ClientID:   key.ClientID,
		ProviderID: key.ProviderID,
		RequestID:  key.RequestID,
		CreatedAt:  f.tick(),
	}
	f.convs[conv.ID] = conv
	f.keys[key.String()] = conv.ID
	return conv, nil
}

// seedConversation stores a conversation created by another process.
func (f *fakeAPI) seedConversation(id, clientID, providerID string) chat.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := chat.Conversation{ID: id, ClientID: clientID, ProviderID: providerID, CreatedAt: f.tick()}
	f.convs[id] = conv
	f.keys[conv.Key().String()] = id
	return conv
}

func (f *fakeAPI) GetConversation(_ context.Context, id string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[id]
	if !ok {
		return chat.Conversation{}, chat.ErrNotFound
	}
	return conv, nil
}

func (f *fakeAPI) ListConversations(_ context.Context, userID string) ([]chat.Conversation, error) {
	f.listCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []chat.Conversation
	for _, conv := range f.convs {
		if conv.HasParticipant(userID) {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	f.pageCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.messages[conversationID]
	var out []chat.Message
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if !before.IsZero() && !all[i].CreatedAt.Before(before) {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (f *fakeAPI) InsertMessage(_ context.Context, params chat.NewMessageParams) (chat.Message, error) {
	params, err := params.Normalize()
	if err != nil {
		return chat.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return chat.Message{}, f.insertErr
	}
	return f.insertLocked(params), nil
}

func (f *fakeAPI) insertLocked(params chat.NewMessageParams) chat.Message {
	conv := f.convs[params.ConversationID]
	if params.ID == "" {
		f.seq++
		params.ID = fmt.Sprintf("msg-%d", f.seq)
	}
	msg := chat.Message{
		ID:             params.ID,
		ConversationID: params.ConversationID,
		SenderID:       params.SenderID,
		Text:           params.Text,
		IsSystem:       params.IsSystem,
		CreatedAt:      f.tick(),
	}
	f.messages[msg.ConversationID] = append(f.messages[msg.ConversationID], msg)
	conv.Touch(msg)
	f.convs[conv.ID] = conv
	return msg
}

// post stores a message written by another session.
func (f *fakeAPI) post(conversationID, senderID, text string) chat.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(chat.NewMessageParams{ConversationID: conversationID, SenderID: senderID, Text: text})
}

func (f *fakeAPI) GetReadCursor(_ context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc, ok := f.cursors[conversationID+"|"+userID]
	if !ok {
		return chat.ReadCursor{}, chat.ErrNotFound
	}
	return rc, nil
}

func (f *fakeAPI) UpsertReadCursor(_ context.Context, conversationID, userID string) (chat.ReadCursor, error) {
	f.upsertCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	rc := chat.ReadCursor{ConversationID: conversationID, UserID: userID, LastReadAt: f.tick()}
	f.cursors[conversationID+"|"+userID] = rc
	return rc, nil
}

func (f *fakeAPI) CountMessages(_ context.Context, q chat.CountQuery) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, msg := range f.messages[q.ConversationID] {
		if q.Matches(msg) {
			n++
		}
	}
	return n, nil
}

func (f *fakeAPI) GetProfile(_ context.Context, userID string) (chat.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return chat.Profile{}, chat.ErrNotFound
	}
	return p, nil
}

// fakeChanges delivers change events synchronously to matching subscribers.
type fakeChanges struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]func(chat.ChangeEvent)
	opened   atomic.Int32
}

func newFakeChanges() *fakeChanges {
	return &fakeChanges{handlers: make(map[string]map[int]func(chat.ChangeEvent))}
}

type fakeSubscription struct {
	once sync.Once
	fn   func()
}

func (s *fakeSubscription) Unsubscribe() error {
	s.once.Do(s.fn)
	return nil
}

func (c *fakeChanges) SubscribeInserts(_ context.Context, table, filter string, handler func(chat.ChangeEvent)) (Subscription, error) {
	c.opened.Add(1)
	topic := chat.ChangeTopic(table, filter)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[int]func(chat.ChangeEvent))
	}
	id := c.next
	c.next++
	c.handlers[topic][id] = handler
	return &fakeSubscription{fn: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[topic], id)
	}}, nil
}

func (c *fakeChanges) emit(msg chat.Message) {
	topic := chat.ChangeTopic(chat.MessagesTable, chat.ConversationFilter(msg.ConversationID))
	c.mu.Lock()
	var hs []func(chat.ChangeEvent)
	for _, h := range c.handlers[topic] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	ev := chat.NewMessageInserted("ev-"+msg.ID, msg, msg.CreatedAt)
	for _, h := range hs {
		h(ev)
	}
}

func (c *fakeChanges) live(conversationID string) int {
	topic := chat.ChangeTopic(chat.MessagesTable, chat.ConversationFilter(conversationID))
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[topic])
}

// fakeHub is an ephemeral broadcast/presence hub shared by several sessions.
type fakeHub struct {
	mu      sync.Mutex
	members map[string][]*fakeChannel
	tracked map[string]map[string]int
}

func newFakeHub() *fakeHub {
	return &fakeHub{members: make(map[string][]*fakeChannel), tracked: make(map[string]map[string]int)}
}

// session returns a Broadcaster acting as userID.
func (h *fakeHub) session(userID string) Broadcaster {
	return fakeSession{hub: h, userID: userID}
}

type fakeSession struct {
	hub    *fakeHub
	userID string
}

func (s fakeSession) Join(_ context.Context, topic string, handlers EphemeralHandlers) (EphemeralChannel, error) {
	ch := &fakeChannel{hub: s.hub, topic: topic, userID: s.userID, handlers: handlers}
	s.hub.mu.Lock()
	s.hub.members[topic] = append(s.hub.members[topic], ch)
	s.hub.mu.Unlock()
	return ch, nil
}

type fakeChannel struct {
	hub      *fakeHub
	topic    string
	userID   string
	handlers EphemeralHandlers
	tracked  bool
}

func (c *fakeChannel) Broadcast(_ context.Context, event string, payload json.RawMessage) error {
	c.hub.mu.Lock()
	var peers []*fakeChannel
	for _, m := range c.hub.members[c.topic] {
		if m != c {
			peers = append(peers, m)
		}
	}
	c.hub.mu.Unlock()
	for _, p := range peers {
		if p.handlers.OnBroadcast != nil {
			p.handlers.OnBroadcast(event, payload)
		}
	}
	return nil
}

func (c *fakeChannel) Track(context.Context) error {
	c.setTracked(true)
	return nil
}

func (c *fakeChannel) Untrack(context.Context) error {
	c.setTracked(false)
	return nil
}

func (c *fakeChannel) Leave() error {
	c.setTracked(false)
	c.hub.mu.Lock()
	c.hub.members[c.topic] = slices.DeleteFunc(c.hub.members[c.topic], func(m *fakeChannel) bool { return m == c })
	c.hub.mu.Unlock()
	return nil
}

func (c *fakeChannel) setTracked(on bool) {
	c.hub.mu.Lock()
	if c.tracked == on {
		c.hub.mu.Unlock()
		return
	}
	c.tracked = on
	if c.hub.tracked[c.topic] == nil {
		c.hub.tracked[c.topic] = make(map[string]int)
	}
	counts := c.hub.tracked[c.topic]
	if on {
		counts[c.userID]++
	} else {
		counts[c.userID]--
		if counts[c.userID] <= 0 {
			delete(counts, c.userID)
		}
	}
	ids := make([]string, 0, len(c.hub.tracked[c.topic]))
	for id := range c.hub.tracked[c.topic] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	members := slices.Clone(c.hub.members[c.topic])
	c.hub.mu.Unlock()
	for _, m := range members {
		if m.handlers.OnPresenceSync != nil {
			m.handlers.OnPresenceSync(ids)
		}
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func messageIDs(state FeedState) []string {
	ids := make([]string, len(state.Messages))
	for i, e := range state.Messages {
		ids[i] = e.ID
	}
	return ids
}
