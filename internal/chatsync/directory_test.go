package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestDirectory(api *fakeAPI, viewer string) (*Directory, *ReadCursors) {
	var dir *Directory
	cursors := NewReadCursors(api, viewer, nil, func() { dir.Invalidate() })
	dir = NewDirectory(api, api, nil, cursors, viewer, time.Hour, nil)
	return dir, cursors
}

func TestDirectoryUnreadAndOrdering(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("quiet", "alice", "carol")
	api.seedConversation("busy", "alice", "bob")
	api.seedConversation("older", "dave", "alice")
	api.post("older", "dave", "first")
	api.post("busy", "bob", "one")
	api.post("busy", "alice", "mine")
	api.post("busy", "bob", "two")

	dir, _ := newTestDirectory(api, "alice")
	entries, err := dir.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	wantOrder := []string{"busy", "older", "quiet"}
	wantUnread := map[string]int{"busy": 2, "older": 1, "quiet": 0}
	if len(entries) != len(wantOrder) {
		t.Fatalf("entries = %d, want %d", len(entries), len(wantOrder))
	}
	total := 0
	for i, e := range entries {
		if e.Conversation.ID != wantOrder[i] {
			t.Fatalf("entry %d = %s, want %s", i, e.Conversation.ID, wantOrder[i])
		}
		if e.Unread != wantUnread[e.Conversation.ID] {
			t.Fatalf("%s unread = %d, want %d", e.Conversation.ID, e.Unread, wantUnread[e.Conversation.ID])
		}
		total += e.Unread
	}
	if got := dir.TotalUnread().Get(); got != total || total != 3 {
		t.Fatalf("total unread = %d, sum = %d, want 3", got, total)
	}
}

func TestDirectoryMarkReadClearsUntilNewerMessage(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	api.post("c1", "bob", "one")
	api.post("c1", "bob", "two")

	dir, cursors := newTestDirectory(api, "alice")
	if _, err := dir.List(ctx); err != nil {
		t.Fatal(err)
	}
	if got := dir.TotalUnread().Get(); got != 2 {
		t.Fatalf("unread before read = %d, want 2", got)
	}

	if err := cursors.MarkRead(ctx, "c1"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	entries, err := dir.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Unread != 0 {
		t.Fatalf("unread after read = %d, want 0", entries[0].Unread)
	}

	api.post("c1", "alice", "my reply")
	dir.Invalidate()
	entries, _ = dir.List(ctx)
	if entries[0].Unread != 0 {
		t.Fatalf("own message counted as unread: %d", entries[0].Unread)
	}

	api.post("c1", "bob", "three")
	dir.Invalidate()
	entries, _ = dir.List(ctx)
	if entries[0].Unread != 1 {
		t.Fatalf("unread after new message = %d, want 1", entries[0].Unread)
	}
}

func TestDirectoryServesCacheUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	dir, _ := newTestDirectory(api, "alice")

	for i := 0; i < 3; i++ {
		if _, err := dir.List(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := api.listCalls.Load(); got != 1 {
		t.Fatalf("list calls = %d, want 1", got)
	}
	dir.Invalidate()
	if _, err := dir.List(ctx); err != nil {
		t.Fatal(err)
	}
	if got := api.listCalls.Load(); got != 2 {
		t.Fatalf("list calls after invalidate = %d, want 2", got)
	}
}

func TestDirectoryRefreshFailureKeepsLastResult(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	api.post("c1", "bob", "hi")
	dir, _ := newTestDirectory(api, "alice")
	if _, err := dir.List(ctx); err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	api.listErr = errBackend
	api.mu.Unlock()
	dir.Invalidate()
	if _, err := dir.List(ctx); !errors.Is(err, errBackend) {
		t.Fatalf("list error = %v, want backend error", err)
	}
	if got := dir.TotalUnread().Get(); got != 1 {
		t.Fatalf("total unread after failed refresh = %d, want 1", got)
	}
}

func TestDirectoryConcurrentRefreshesAgree(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	api.post("c1", "bob", "hi")
	dir, _ := newTestDirectory(api, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := dir.Refresh(ctx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := dir.TotalUnread().Get(); got != 1 {
		t.Fatalf("total unread = %d, want 1", got)
	}
	if calls := api.listCalls.Load(); calls > 8 {
		t.Fatalf("list calls = %d", calls)
	}
}

func TestDirectorySupersededPublishKeepsNewerTotal(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	api.post("c1", "bob", "one")
	dir, _ := newTestDirectory(api, "alice")
	if _, err := dir.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	dir.mu.Lock()
	first := dir.storedGen
	dir.mu.Unlock()

	api.post("c1", "bob", "two")
	dir.Invalidate()
	entries, err := dir.Refresh(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := dir.TotalUnread().Get(); got != 2 {
		t.Fatalf("total unread = %d, want 2", got)
	}

	// an older computation finishing its publish late must not roll the total back
	dir.publish(first)
	if got := dir.TotalUnread().Get(); got != sumUnread(entries) || got != 2 {
		t.Fatalf("total unread after late publish = %d, want %d", got, sumUnread(entries))
	}
	if got := dir.Entries().Get(); len(got) != 1 || got[0].Unread != 2 {
		t.Fatalf("entries after late publish = %+v", got)
	}
}

func TestDirectoryRunRefreshesOnInvalidate(t *testing.T) {
	api := newFakeAPI()
	api.seedConversation("c1", "alice", "bob")
	dir, _ := newTestDirectory(api, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dir.Run(ctx) }()

	eventually(t, func() bool { return api.listCalls.Load() >= 1 }, "initial refresh")
	api.post("c1", "bob", "ping")
	dir.Invalidate()
	eventually(t, func() bool { return dir.TotalUnread().Get() == 1 }, "unread after invalidate")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop with its context")
	}
}
