package chatsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"marketchat/internal/domain/chat"
)

func TestTypingSignalExpires(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub()
	alice, err := JoinTyping(ctx, hub.session("alice"), "c1", chat.Profile{UserID: "alice", DisplayName: "Alice"}, 80*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()
	bob, err := JoinTyping(ctx, hub.session("bob"), "c1", chat.Profile{UserID: "bob", DisplayName: "Bob"}, 80*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	if err := bob.Send(ctx); err != nil {
		t.Fatal(err)
	}
	if got := alice.Typist().Get(); got != "Bob" {
		t.Fatalf("typist = %q, want Bob", got)
	}
	if got := bob.Typist().Get(); got != "" {
		t.Fatalf("sender sees its own signal: %q", got)
	}

	// a second signal re-arms the timer
	time.Sleep(50 * time.Millisecond)
	if err := bob.Send(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := alice.Typist().Get(); got != "Bob" {
		t.Fatalf("typist cleared before the re-armed expiry: %q", got)
	}
	eventually(t, func() bool { return alice.Typist().Get() == "" }, "typing expiry")
}

func TestTypingIgnoresOwnAndMalformedSignals(t *testing.T) {
	hub := newFakeHub()
	typing, err := JoinTyping(context.Background(), hub.session("alice"), "c1", chat.Profile{UserID: "alice"}, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer typing.Close()

	own, _ := json.Marshal(chat.TypingSignal{ConversationID: "c1", UserID: "alice", DisplayName: "Alice"})
	typing.receive(chat.TypingEvent, own)
	typing.receive(chat.TypingEvent, json.RawMessage(`{not json`))
	other, _ := json.Marshal(chat.TypingSignal{ConversationID: "c1", UserID: "bob"})
	typing.receive("other", other)
	if got := typing.Typist().Get(); got != "" {
		t.Fatalf("typist = %q, want empty", got)
	}

	typing.receive(chat.TypingEvent, other)
	if got := typing.Typist().Get(); got != "bob" {
		t.Fatalf("typist without display name = %q, want user id", got)
	}
}

func TestTypingCloseStopsTimer(t *testing.T) {
	hub := newFakeHub()
	typing, err := JoinTyping(context.Background(), hub.session("alice"), "c1", chat.Profile{UserID: "alice"}, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatal(err)
	}
	other, _ := json.Marshal(chat.TypingSignal{UserID: "bob", DisplayName: "Bob"})
	typing.receive(chat.TypingEvent, other)
	if err := typing.Close(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := typing.Typist().Get(); got != "Bob" {
		t.Fatalf("closed channel still mutated state: %q", got)
	}
	if err := typing.Send(context.Background()); err == nil {
		t.Fatal("send after close succeeded")
	}
}

func TestPresenceSyncReplacesMembership(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub()
	alice := NewPresence(hub.session("alice"), nil)
	bob := NewPresence(hub.session("bob"), nil)

	if err := alice.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !alice.IsOnline("alice") {
		t.Fatal("alice not tracked after start")
	}
	if err := bob.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if got := alice.OnlineUserIDs().Get().Sorted(); len(got) != 2 {
		t.Fatalf("online = %v, want alice and bob", got)
	}

	if err := bob.SetForeground(ctx, false); err != nil {
		t.Fatal(err)
	}
	if alice.IsOnline("bob") {
		t.Fatal("backgrounded user still online")
	}
	if err := bob.SetForeground(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !alice.IsOnline("bob") {
		t.Fatal("foregrounded user not online")
	}

	alice.sync([]string{"carol"})
	if got := alice.OnlineUserIDs().Get().Sorted(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("sync merged instead of replacing: %v", got)
	}

	if err := bob.Stop(); err != nil {
		t.Fatal(err)
	}
	if alice.IsOnline("bob") {
		t.Fatal("stopped session still online")
	}
}

func TestPresenceBackgroundedBeforeStart(t *testing.T) {
	ctx := context.Background()
	hub := newFakeHub()
	watcher := NewPresence(hub.session("watcher"), nil)
	if err := watcher.Start(ctx); err != nil {
		t.Fatal(err)
	}
	idle := NewPresence(hub.session("idle"), nil)
	if err := idle.SetForeground(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := idle.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if watcher.IsOnline("idle") {
		t.Fatal("background session was tracked on start")
	}
	idle.retrack()
	if watcher.IsOnline("idle") {
		t.Fatal("background session was tracked on resubscribe")
	}
}
