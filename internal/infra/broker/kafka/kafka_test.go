package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"

	"marketchat/internal/domain/chat"
)

func TestMessageEventsPublishesChangeEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	msg := chat.Message{ID: "m-1", ConversationID: "c-1", SenderID: "alice", Text: "hi", CreatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(pm *sarama.ProducerMessage) error {
		if pm.Topic != "marketchat.messages" {
			t.Errorf("topic = %s", pm.Topic)
		}
		if key, _ := pm.Key.Encode(); string(key) != "c-1" {
			t.Errorf("key = %s, want conversation id", key)
		}
		raw, _ := pm.Value.Encode()
		var event chat.ChangeEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			return err
		}
		if event.ID == "" || event.Type != chat.ChangeInsert || event.Table != chat.MessagesTable || event.Record.ID != "m-1" {
			t.Errorf("event = %+v", event)
		}
		return nil
	})

	events := NewMessageEvents(NewProducerFrom(producer), "marketchat.messages")
	if err := events.PublishMessageCreated(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPublishSkipsCancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewProducerFrom(producer).Publish(ctx, "t", "k", nil, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("publish = %v", err)
	}
	_ = producer.Close()
}

type memInbox struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memInbox) Seen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[id] {
		return true, nil
	}
	m.seen[id] = true
	return false, nil
}

func TestChangeEventHandlerDedupes(t *testing.T) {
	var delivered []string
	h := &ChangeEventHandler{
		Inbox: &memInbox{},
		Sink: func(_ context.Context, ev chat.ChangeEvent) error {
			delivered = append(delivered, ev.ID)
			return nil
		},
	}
	payload, _ := json.Marshal(chat.NewMessageInserted("ev-1", chat.Message{ID: "m", ConversationID: "c"}, time.Now()))
	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), &sarama.ConsumerMessage{Value: payload}); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("{nope")}); err != nil {
		t.Fatalf("malformed record should be acknowledged: %v", err)
	}
	if len(delivered) != 1 || delivered[0] != "ev-1" {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestChangeEventHandlerReportsSinkFailure(t *testing.T) {
	h := &ChangeEventHandler{Sink: func(context.Context, chat.ChangeEvent) error { return errors.New("hub closed") }}
	payload, _ := json.Marshal(chat.NewMessageInserted("ev-2", chat.Message{}, time.Now()))
	if err := h.Handle(context.Background(), &sarama.ConsumerMessage{Value: payload}); err == nil {
		t.Fatal("expected sink error")
	}
}
