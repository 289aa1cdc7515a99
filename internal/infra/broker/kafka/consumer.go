package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"marketchat/internal/domain/chat"
)

type MessageHandler interface {
	Handle(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group   sarama.ConsumerGroup
	handler MessageHandler
}

func NewConsumer(brokers []string, groupID string, cfg *sarama.Config, handler MessageHandler) (*Consumer, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	g, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{group: g, handler: handler}, nil
}

func (c *Consumer) Run(ctx context.Context, topics []string) error {
	for {
		if err := c.group.Consume(ctx, topics, consumerGroupHandler{handler: c.handler}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler MessageHandler
}

func (h consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h consumerGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := h.handler.Handle(sess.Context(), message); err != nil {
			// retry/handling delegated to handler
			continue
		}
		sess.MarkMessage(message, "")
	}
	return nil
}

// Deduper records processed event ids. Seen reports true for repeats.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// ChangeEventHandler decodes change events and forwards first deliveries to Sink.
type ChangeEventHandler struct {
	Inbox  Deduper
	Sink   func(ctx context.Context, event chat.ChangeEvent) error
	Logger *slog.Logger
}

func (h *ChangeEventHandler) Handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event chat.ChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.ID == "" {
		// poison records are acknowledged so the partition keeps moving
		if h.Logger != nil {
			h.Logger.Warn("dropping malformed change event", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
		return nil
	}
	if h.Inbox != nil {
		seen, err := h.Inbox.Seen(ctx, event.ID)
		if err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		if seen {
			return nil
		}
	}
	if err := h.Sink(ctx, event); err != nil {
		if h.Logger != nil {
			h.Logger.Error("change event delivery failed", "event_id", event.ID, "conversation_id", event.Record.ConversationID, "error", err)
		}
		return err
	}
	return nil
}
