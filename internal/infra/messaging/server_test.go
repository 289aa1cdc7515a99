package messaging

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/storage/memory"
)

type recordedEvents struct {
	mu   sync.Mutex
	msgs []chat.Message
	err  error
}

func (r *recordedEvents) PublishMessageCreated(_ context.Context, msg chat.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recordedEvents) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func startServer(t *testing.T) (*Client, *recordedEvents) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	events := &recordedEvents{}
	clk := &clock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	srv := grpc.NewServer()
	Register(srv, &Server{Store: memory.NewStore(), Events: events, Now: clk.Now})
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := NewClientConn(conn, 2*time.Second, nil)
	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
	})
	return client, events
}

func TestConversationLifecycleOverGRPC(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t)
	key := chat.ConversationKey{ClientID: "alice", ProviderID: "bob", RequestID: "req-1"}

	if _, err := client.FindConversation(ctx, key); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("find before create = %v, want ErrNotFound", err)
	}
	created, err := client.CreateConversation(ctx, key)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := client.CreateConversation(ctx, key); !errors.Is(err, chat.ErrConversationExists) {
		t.Fatalf("duplicate create = %v, want ErrConversationExists", err)
	}
	found, err := client.FindConversation(ctx, key)
	if err != nil || found.ID != created.ID {
		t.Fatalf("find = %+v, %v", found, err)
	}
	got, err := client.GetConversation(ctx, created.ID)
	if err != nil || got.RequestID != "req-1" {
		t.Fatalf("get = %+v, %v", got, err)
	}
}

func TestValidationErrorsKeepTheirSentinels(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t)

	if _, err := client.CreateConversation(ctx, chat.ConversationKey{ClientID: "a", ProviderID: "a"}); !errors.Is(err, chat.ErrSelfConversation) {
		t.Fatalf("self conversation = %v", err)
	}
	if _, err := client.CreateConversation(ctx, chat.ConversationKey{ClientID: "a"}); !errors.Is(err, chat.ErrParticipantsRequired) {
		t.Fatalf("missing provider = %v", err)
	}
	conv, err := client.CreateConversation(ctx, chat.ConversationKey{ClientID: "a", ProviderID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.SendMessage(ctx, chat.NewMessageParams{ConversationID: conv.ID, SenderID: "a", Text: "   "}); !errors.Is(err, chat.ErrTextRequired) {
		t.Fatalf("blank text = %v", err)
	}
	if _, err := client.SendMessage(ctx, chat.NewMessageParams{ConversationID: conv.ID, SenderID: "mallory", Text: "hi"}); !errors.Is(err, chat.ErrNotParticipant) {
		t.Fatalf("stranger send = %v", err)
	}
	if _, err := client.MarkRead(ctx, conv.ID, "mallory"); !errors.Is(err, chat.ErrNotParticipant) {
		t.Fatalf("stranger mark read = %v", err)
	}
	if _, err := client.GetConversation(ctx, ""); !errors.Is(err, chat.ErrInvalidArgument) {
		t.Fatalf("empty id = %v", err)
	}
}

func TestSendMessagePublishesAndPages(t *testing.T) {
	ctx := context.Background()
	client, events := startServer(t)
	conv, err := client.CreateConversation(ctx, chat.ConversationKey{ClientID: "a", ProviderID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := client.SendMessage(ctx, chat.NewMessageParams{ConversationID: conv.ID, SenderID: "b", Text: "hello"}); err != nil {
			t.Fatal(err)
		}
	}
	if events.count() != 5 {
		t.Fatalf("published %d events, want 5", events.count())
	}

	page, err := client.ListMessages(ctx, conv.ID, time.Time{}, 3)
	if err != nil || len(page) != 3 {
		t.Fatalf("first page = %d, %v", len(page), err)
	}
	rest, err := client.ListMessages(ctx, conv.ID, page[len(page)-1].CreatedAt, 3)
	if err != nil || len(rest) != 2 {
		t.Fatalf("second page = %d, %v", len(rest), err)
	}

	unread, err := client.CountMessages(ctx, chat.CountQuery{ConversationID: conv.ID, ExcludeSender: "a"})
	if err != nil || unread != 5 {
		t.Fatalf("unread = %d, %v", unread, err)
	}
	if _, err := client.GetReadCursor(ctx, conv.ID, "a"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("cursor before read = %v", err)
	}
	cursor, err := client.MarkRead(ctx, conv.ID, "a")
	if err != nil {
		t.Fatal(err)
	}
	unread, err = client.CountMessages(ctx, chat.CountQuery{ConversationID: conv.ID, ExcludeSender: "a", After: cursor.LastReadAt})
	if err != nil || unread != 0 {
		t.Fatalf("unread after mark = %d, %v", unread, err)
	}
}

func TestSendMessageSurvivesPublishFailure(t *testing.T) {
	ctx := context.Background()
	client, events := startServer(t)
	events.err = errors.New("broker down")
	conv, _ := client.CreateConversation(ctx, chat.ConversationKey{ClientID: "a", ProviderID: "b"})

	msg, err := client.SendMessage(ctx, chat.NewMessageParams{ID: "m-1", ConversationID: conv.ID, SenderID: "a", Text: "hi"})
	if err != nil || msg.ID != "m-1" {
		t.Fatalf("send = %+v, %v", msg, err)
	}
}

func TestListConversationsCursorPaging(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t)
	var ids []string
	for _, other := range []string{"p1", "p2", "p3", "p4", "p5"} {
		conv, err := client.CreateConversation(ctx, chat.ConversationKey{ClientID: "alice", ProviderID: other})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, conv.ID)
	}
	// p2 becomes the most recent.
	if _, err := client.SendMessage(ctx, chat.NewMessageParams{ConversationID: ids[1], SenderID: "p2", Text: "ping"}); err != nil {
		t.Fatal(err)
	}

	var (
		all    []chat.Conversation
		cursor string
	)
	for pages := 0; pages < 10; pages++ {
		page, next, err := client.ListConversations(ctx, "alice", cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	if len(all) != 5 {
		t.Fatalf("listed %d conversations, want 5", len(all))
	}
	if all[0].ID != ids[1] {
		t.Fatalf("most recent conversation = %s, want %s", all[0].ID, ids[1])
	}
	seen := map[string]bool{}
	for _, c := range all {
		if seen[c.ID] {
			t.Fatalf("conversation %s listed twice", c.ID)
		}
		seen[c.ID] = true
	}
	if _, _, err := client.ListConversations(ctx, "alice", "garbage", 2); !errors.Is(err, chat.ErrInvalidArgument) {
		t.Fatalf("bad cursor = %v", err)
	}
}

func TestListConversationsKeepsConversationBumpedBetweenPages(t *testing.T) {
	ctx := context.Background()
	client, _ := startServer(t)
	var ids []string
	for _, other := range []string{"p1", "p2", "p3", "p4", "p5"} {
		conv, err := client.CreateConversation(ctx, chat.ConversationKey{ClientID: "alice", ProviderID: other})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, conv.ID)
	}

	first, cursor, err := client.ListConversations(ctx, "alice", "", 2)
	if err != nil || cursor == "" {
		t.Fatalf("first page = %d, cursor %q, %v", len(first), cursor, err)
	}
	// ids[0] is the oldest and not listed yet; a new message moves it ahead of the cursor
	if _, err := client.SendMessage(ctx, chat.NewMessageParams{ConversationID: ids[0], SenderID: "p1", Text: "still here"}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, c := range first {
		seen[c.ID] = true
	}
	for pages := 0; cursor != "" && pages < 10; pages++ {
		var page []chat.Conversation
		page, cursor, err = client.ListConversations(ctx, "alice", cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range page {
			seen[c.ID] = true
		}
	}
	for _, id := range ids {
		if !seen[id] {
			t.Fatalf("conversation %s skipped by paging; saw %v", id, seen)
		}
	}
}
