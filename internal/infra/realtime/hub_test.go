package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"marketchat/internal/domain/chat"
)

func startHub(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("user_id"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user_id=" + userID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, env Envelope) {
	t.Helper()
	if err := ws.WriteJSON(env); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, ws *websocket.Conn, typ string) Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
}

// subscribe joins topic and returns the membership snapshot that follows the ack.
func subscribe(t *testing.T, ws *websocket.Conn, topic string) []string {
	t.Helper()
	send(t, ws, Envelope{Type: TypeSubscribe, Topic: topic, Ref: topic})
	if ack := next(t, ws, TypeSubscribed); ack.Topic != topic || ack.Ref != topic {
		t.Fatalf("ack = %+v", ack)
	}
	snapshot := next(t, ws, TypePresenceSync)
	if snapshot.Topic != topic {
		t.Fatalf("snapshot for %q, want %q", snapshot.Topic, topic)
	}
	return members(t, snapshot)
}

func members(t *testing.T, env Envelope) []string {
	t.Helper()
	var p PresencePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatal(err)
	}
	return p.UserIDs
}

// waitMembers reads presence syncs until the membership equals want.
func waitMembers(t *testing.T, ws *websocket.Conn, want ...string) {
	t.Helper()
	for {
		if got := members(t, next(t, ws, TypePresenceSync)); slices.Equal(got, want) {
			return
		}
	}
}

func TestBroadcastSkipsSenderAndLateSubscribers(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	topic := chat.TypingTopic("c-1")
	subscribe(t, alice, topic)
	subscribe(t, bob, topic)

	send(t, alice, Envelope{Type: TypeBroadcast, Topic: topic, Event: chat.TypingEvent, Payload: json.RawMessage(`{"user_id":"alice"}`)})
	got := next(t, bob, TypeBroadcast)
	if got.Event != chat.TypingEvent || !strings.Contains(string(got.Payload), "alice") {
		t.Fatalf("broadcast = %+v", got)
	}

	// alice must only see her pong, not her own broadcast
	send(t, alice, Envelope{Type: TypePing, Ref: "p1"})
	_ = alice.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first Envelope
	if err := alice.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}
	if first.Type != TypePong || first.Ref != "p1" {
		t.Fatalf("sender received %+v before pong", first)
	}

	carol := dial(t, srv, "carol")
	subscribe(t, carol, topic)
	send(t, carol, Envelope{Type: TypePing, Ref: "p2"})
	if env := next(t, carol, TypePong); env.Ref != "p2" {
		t.Fatalf("pong = %+v", env)
	}
}

func TestBroadcastRequiresSubscription(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice := dial(t, srv, "alice")
	send(t, alice, Envelope{Type: TypeBroadcast, Topic: "typing:c", Event: "typing", Ref: "b1"})
	env := next(t, alice, TypeError)
	var p ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "not_subscribed" || env.Ref != "b1" {
		t.Fatalf("error = %+v", p)
	}
}

func TestPresenceSyncAndDisconnectUntracks(t *testing.T) {
	_, srv := startHub(t, Options{})
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	subscribe(t, alice, chat.PresenceTopic)
	subscribe(t, bob, chat.PresenceTopic)

	send(t, alice, Envelope{Type: TypeTrack, Topic: chat.PresenceTopic})
	if got := members(t, next(t, bob, TypePresenceSync)); !slices.Equal(got, []string{"alice"}) {
		t.Fatalf("members = %v", got)
	}
	send(t, bob, Envelope{Type: TypeTrack, Topic: chat.PresenceTopic})
	waitMembers(t, alice, "alice", "bob")

	_ = bob.Close()
	waitMembers(t, alice, "alice")

	late := dial(t, srv, "carol")
	if got := subscribe(t, late, chat.PresenceTopic); !slices.Equal(got, []string{"alice"}) {
		t.Fatalf("late subscriber members = %v", got)
	}
}

func TestSubscribeToEmptyTopicSendsEmptyMembership(t *testing.T) {
	hub, srv := startHub(t, Options{})
	alice := dial(t, srv, "alice")
	if got := subscribe(t, alice, chat.PresenceTopic); got == nil || len(got) != 0 {
		t.Fatalf("initial members = %#v, want an empty list", got)
	}

	send(t, alice, Envelope{Type: TypeTrack, Topic: chat.PresenceTopic})
	waitMembers(t, alice, "alice")
	_ = alice.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := hub.presence.Members(context.Background(), chat.PresenceTopic)
		if len(got) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("alice still tracked after disconnect: %v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// a session returning after everyone left must learn that nobody is online
	bob := dial(t, srv, "bob")
	if got := subscribe(t, bob, chat.PresenceTopic); got == nil || len(got) != 0 {
		t.Fatalf("members after everyone left = %#v", got)
	}
}

func TestPublishChangeReachesConversationSubscribers(t *testing.T) {
	hub, srv := startHub(t, Options{})
	bob := dial(t, srv, "bob")
	topic := chat.ChangeTopic(chat.MessagesTable, chat.ConversationFilter("c-9"))
	subscribe(t, bob, topic)

	msg := chat.Message{ID: "m-1", ConversationID: "c-9", SenderID: "alice", Text: "hello"}
	if err := hub.PublishChange(context.Background(), chat.NewMessageInserted("ev-1", msg, time.Now())); err != nil {
		t.Fatal(err)
	}
	env := next(t, bob, TypeChange)
	var ev chat.ChangeEvent
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Record.ID != "m-1" || ev.Type != chat.ChangeInsert {
		t.Fatalf("change = %+v", ev)
	}
}

func TestAuthorizerRejectsSubscription(t *testing.T) {
	_, srv := startHub(t, Options{Authorize: func(_ context.Context, userID, _ string) error {
		if userID == "mallory" {
			return ErrForbidden
		}
		return nil
	}})
	mallory := dial(t, srv, "mallory")
	send(t, mallory, Envelope{Type: TypeSubscribe, Topic: "typing:c-1", Ref: "s1"})
	env := next(t, mallory, TypeError)
	var p ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != "forbidden" {
		t.Fatalf("error = %+v", p)
	}
}

func TestMemoryPresenceCountsSessions(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPresence()
	_ = p.Add(ctx, "t", "alice")
	_ = p.Add(ctx, "t", "alice")
	_ = p.Remove(ctx, "t", "alice")
	if got, _ := p.Members(ctx, "t"); !slices.Equal(got, []string{"alice"}) {
		t.Fatalf("members after one of two sessions left = %v", got)
	}
	_ = p.Remove(ctx, "t", "alice")
	_ = p.Remove(ctx, "t", "alice")
	if got, _ := p.Members(ctx, "t"); len(got) != 0 {
		t.Fatalf("members = %v", got)
	}
}
