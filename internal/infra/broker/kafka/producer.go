package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"marketchat/internal/domain/chat"
)

// HeaderEventType carries the change type on every published record.
const HeaderEventType = "event_type"

type Producer struct {
	sync sarama.SyncProducer
}

func NewProducer(brokers []string, cfg *sarama.Config) (*Producer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	sync, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sync}, nil
}

// NewProducerFrom wraps an existing sync producer.
func NewProducerFrom(sync sarama.SyncProducer) *Producer {
	return &Producer{sync: sync}
}

func (p *Producer) Publish(ctx context.Context, topic string, key string, payload []byte, headers map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var hs []sarama.RecordHeader
	for k, v := range headers {
		hs = append(hs, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(payload),
		Headers: hs,
	}
	_, _, err := p.sync.SendMessage(msg)
	return err
}

func (p *Producer) Close() error {
	if p.sync == nil {
		return nil
	}
	return p.sync.Close()
}

// MessageEvents publishes message inserts as change events keyed by conversation id, so
// every conversation's events stay ordered within one partition.
type MessageEvents struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

func NewMessageEvents(producer *Producer, topic string) *MessageEvents {
	return &MessageEvents{producer: producer, topic: topic, now: time.Now}
}

func (e *MessageEvents) PublishMessageCreated(ctx context.Context, msg chat.Message) error {
	event := chat.NewMessageInserted(uuid.NewString(), msg, e.now())
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return e.producer.Publish(ctx, e.topic, msg.ConversationID, payload, map[string]string{
		HeaderEventType: event.Type,
	})
}
