package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"marketchat/internal/domain/chat"
)

func seedHistory(api *fakeAPI, conversationID, sender string, n int) {
	for i := 0; i < n; i++ {
		api.post(conversationID, sender, "hello")
	}
}

func TestMessageStorePaginationStableUnderHeadInserts(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	seedHistory(api, "c1", "bob", 120)

	store := NewMessageStore(api, "alice", nil)
	state := store.Open("c1")

	first, err := store.LoadPage(ctx, "c1", nil)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first) != chat.PageSize {
		t.Fatalf("first page size = %d, want %d", len(first), chat.PageSize)
	}

	fresh := api.post("c1", "bob", "new head")
	if !store.MergeRemote(fresh, nil) {
		t.Fatal("remote head insert was not merged")
	}

	second, err := store.LoadMore(ctx, "c1")
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != chat.PageSize {
		t.Fatalf("second page size = %d, want %d", len(second), chat.PageSize)
	}
	if got, want := second[0].ID, "msg-70"; got != want {
		t.Fatalf("second page starts at %s, want %s", got, want)
	}

	third, err := store.LoadMore(ctx, "c1")
	if err != nil {
		t.Fatalf("third page: %v", err)
	}
	if len(third) != 20 {
		t.Fatalf("third page size = %d, want 20", len(third))
	}

	snap := state.Get()
	if !snap.Exhausted {
		t.Fatal("feed should be exhausted after a short page")
	}
	if len(snap.Messages) != 121 {
		t.Fatalf("cached %d messages, want 121", len(snap.Messages))
	}
	seen := make(map[string]bool)
	for i, e := range snap.Messages {
		if seen[e.ID] {
			t.Fatalf("duplicate message %s", e.ID)
		}
		seen[e.ID] = true
		if i > 0 && !snap.Messages[i-1].CreatedAt.After(e.CreatedAt) {
			t.Fatalf("messages out of order at %d", i)
		}
	}

	calls := api.pageCalls.Load()
	if _, err := store.LoadMore(ctx, "c1"); err != nil {
		t.Fatalf("load after exhaustion: %v", err)
	}
	if api.pageCalls.Load() != calls {
		t.Fatal("exhausted feed fetched again")
	}
}

func TestMessageStoreOptimisticEchoIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	store := NewMessageStore(api, "alice", nil)
	state := store.Open("c1")

	local := chat.Message{ID: "m-local", ConversationID: "c1", SenderID: "alice", Text: "hi", CreatedAt: time.Now().UTC()}
	entry, ok := store.AppendLocal(local, nil)
	if !ok || !entry.Pending {
		t.Fatalf("append local = %+v, %v", entry, ok)
	}

	saved, err := api.InsertMessage(ctx, chat.NewMessageParams{ID: "m-local", ConversationID: "c1", SenderID: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if store.MergeRemote(saved, nil) {
		t.Fatal("own echo must not be merged")
	}
	if _, err := store.LoadPage(ctx, "c1", nil); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	snap := state.Get()
	if len(snap.Messages) != 1 {
		t.Fatalf("messages = %v, want one", messageIDs(snap))
	}
	if snap.Messages[0].Pending {
		t.Fatal("refetched copy should settle the pending entry")
	}
	if !snap.Messages[0].CreatedAt.Equal(saved.CreatedAt) {
		t.Fatal("pending entry should carry the server timestamp")
	}
}

func TestMessageStoreConfirmAndFail(t *testing.T) {
	store := NewMessageStore(newFakeAPI(), "alice", nil)
	state := store.Open("c1")
	now := time.Now().UTC()

	store.AppendLocal(chat.Message{ID: "a", ConversationID: "c1", SenderID: "alice", Text: "one", CreatedAt: now}, nil)
	store.AppendLocal(chat.Message{ID: "b", ConversationID: "c1", SenderID: "alice", Text: "two", CreatedAt: now.Add(time.Millisecond)}, nil)

	if !store.Confirm(chat.Message{ID: "a", ConversationID: "c1", SenderID: "alice", Text: "one", CreatedAt: now}) {
		t.Fatal("confirm a")
	}
	if !store.MarkFailed("c1", "b") {
		t.Fatal("mark b failed")
	}

	snap := state.Get()
	if got := messageIDs(snap); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("order = %v, want [b a]", got)
	}
	if snap.Messages[1].Pending || snap.Messages[1].Failed {
		t.Fatalf("a = %+v, want settled", snap.Messages[1])
	}
	if !snap.Messages[0].Failed {
		t.Fatal("b should stay in the feed flagged as failed")
	}
}

func TestMessageStoreDropsResultsForClosedFeed(t *testing.T) {
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	seedHistory(api, "c1", "bob", 3)
	store := NewMessageStore(api, "alice", nil)

	store.Open("c1")
	store.Release("c1")
	if _, err := store.LoadPage(context.Background(), "c1", nil); !errors.Is(err, errFeedClosed) {
		t.Fatalf("load after release = %v, want closed", err)
	}
	if store.MergeRemote(chat.Message{ID: "x", ConversationID: "c1", SenderID: "bob"}, nil) {
		t.Fatal("merge into released feed")
	}
	if _, ok := store.Snapshot("c1"); ok {
		t.Fatal("released feed still cached")
	}
}

func TestMessageStoreReset(t *testing.T) {
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	seedHistory(api, "c1", "bob", 3)
	store := NewMessageStore(api, "alice", nil)
	state := store.Open("c1")
	if _, err := store.LoadPage(context.Background(), "c1", nil); err != nil {
		t.Fatal(err)
	}

	store.Reset("c1")
	snap := state.Get()
	if len(snap.Messages) != 0 || snap.Exhausted {
		t.Fatalf("state after reset = %+v", snap)
	}
	if _, err := store.LoadPage(context.Background(), "c1", nil); err != nil {
		t.Fatalf("reload after reset: %v", err)
	}
	if got := len(state.Get().Messages); got != 3 {
		t.Fatalf("reloaded %d messages, want 3", got)
	}
}
