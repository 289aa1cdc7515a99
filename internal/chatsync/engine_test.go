package chatsync

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"marketchat/internal/domain/chat"
)

func TestEngineHandleInsert(t *testing.T) {
	api := newFakeAPI()
	api.profiles["bob"] = chat.Profile{UserID: "bob", DisplayName: "Bob"}
	changes := newFakeChanges()
	store := NewMessageStore(api, "alice", nil)
	var invalidations atomic.Int32
	engine := NewEngine(changes, api, store, "alice", func() { invalidations.Add(1) }, nil)
	defer engine.Close()

	ctx := context.Background()
	msg := func(id, sender string) chat.ChangeEvent {
		return chat.NewMessageInserted("ev-"+id, chat.Message{ID: id, ConversationID: "c1", SenderID: sender, Text: "x"}, api.tick())
	}

	if engine.HandleInsert(ctx, msg("early", "bob")) {
		t.Fatal("insert for a conversation without a live view was merged")
	}

	state := store.Open("c1")
	defer store.Release("c1")
	if err := engine.Subscribe(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	defer engine.Unsubscribe("c1")

	if engine.HandleInsert(ctx, msg("own", "alice")) {
		t.Fatal("own message merged")
	}
	if invalidations.Load() != 0 {
		t.Fatal("own message invalidated unread state")
	}

	if !engine.HandleInsert(ctx, msg("m1", "bob")) {
		t.Fatal("remote message not merged")
	}
	if engine.HandleInsert(ctx, msg("m1", "bob")) {
		t.Fatal("duplicate delivery merged twice")
	}
	if !engine.HandleInsert(ctx, msg("m2", "zed")) {
		t.Fatal("message from unknown profile not merged")
	}

	snap := state.Get()
	if got := messageIDs(snap); len(got) != 2 {
		t.Fatalf("messages = %v", got)
	}
	if s := snap.Messages[1].Sender; s == nil || s.DisplayName != "Bob" {
		t.Fatalf("m1 sender = %+v", s)
	}
	if snap.Messages[0].Sender != nil {
		t.Fatal("failed lookup should leave the sender empty")
	}
	if invalidations.Load() != 3 {
		t.Fatalf("invalidations = %d, want 3", invalidations.Load())
	}

	bogus := msg("m3", "bob")
	bogus.Type = "UPDATE"
	if engine.HandleInsert(ctx, bogus) {
		t.Fatal("non-insert change merged")
	}
}

func TestEngineSubscriptionRefcount(t *testing.T) {
	ctx := context.Background()
	changes := newFakeChanges()
	engine := NewEngine(changes, nil, NewMessageStore(newFakeAPI(), "alice", nil), "alice", nil, nil)

	for i := 0; i < 3; i++ {
		if err := engine.Subscribe(ctx, "c1"); err != nil {
			t.Fatal(err)
		}
	}
	if got := changes.opened.Load(); got != 1 {
		t.Fatalf("opened %d subscriptions, want 1", got)
	}
	engine.Unsubscribe("c1")
	engine.Unsubscribe("c1")
	if !engine.Subscribed("c1") {
		t.Fatal("subscription dropped while still held")
	}
	engine.Unsubscribe("c1")
	if engine.Subscribed("c1") || changes.live("c1") != 0 {
		t.Fatal("subscription survived its last holder")
	}

	if err := engine.Subscribe(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	engine.Close()
	if changes.live("c2") != 0 {
		t.Fatal("close left a subscription open")
	}
	if err := engine.Subscribe(ctx, "c3"); err == nil {
		t.Fatal("subscribe after close succeeded")
	}
}

func TestEngineResyncInvalidates(t *testing.T) {
	var called atomic.Bool
	engine := NewEngine(newFakeChanges(), nil, NewMessageStore(newFakeAPI(), "alice", nil), "alice", func() { called.Store(true) }, nil)
	engine.Resync()
	if !called.Load() {
		t.Fatal("resync did not invalidate")
	}
}

func TestEngineLogsSenderSeparatelyFromViewer(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("user_id", "alice")
	api := newFakeAPI()
	changes := newFakeChanges()
	store := NewMessageStore(api, "alice", logger)
	engine := NewEngine(changes, api, store, "alice", nil, logger)
	defer engine.Close()

	ctx := context.Background()
	store.Open("c1")
	defer store.Release("c1")
	if err := engine.Subscribe(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	defer engine.Unsubscribe("c1")

	ev := chat.NewMessageInserted("ev-1", chat.Message{ID: "m1", ConversationID: "c1", SenderID: "ghost", Text: "x"}, api.tick())
	if !engine.HandleInsert(ctx, ev) {
		t.Fatal("message not merged")
	}
	line := buf.String()
	if !strings.Contains(line, `"sender_id":"ghost"`) {
		t.Fatalf("log line lacks sender: %s", line)
	}
	if n := strings.Count(line, `"user_id"`); n != 1 {
		t.Fatalf("log line has %d user_id attributes: %s", n, line)
	}
}
