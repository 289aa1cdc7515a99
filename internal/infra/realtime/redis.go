package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	busChannel     = "marketchat:realtime"
	presencePrefix = "marketchat:presence:"
	presenceTTL    = 24 * time.Hour
)

// BusMessage is an envelope relayed between gateway instances.
type BusMessage struct {
	Origin   string   `json:"origin"`
	Except   string   `json:"except,omitempty"`
	Envelope Envelope `json:"envelope"`
}

// Bus relays envelopes to the other gateway instances.
type Bus interface {
	Publish(ctx context.Context, msg BusMessage) error
	// Run delivers relayed messages to deliver until ctx is done.
	Run(ctx context.Context, deliver func(BusMessage)) error
}

// RedisBus relays envelopes over Redis pub/sub.
type RedisBus struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRedisBus(rdb *redis.Client, logger *slog.Logger) *RedisBus {
	return &RedisBus{rdb: rdb, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, msg BusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, busChannel, data).Err()
}

func (b *RedisBus) Run(ctx context.Context, deliver func(BusMessage)) error {
	sub := b.rdb.Subscribe(ctx, busChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg BusMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				if b.logger != nil {
					b.logger.Warn("dropping malformed bus message", "error", err)
				}
				continue
			}
			deliver(msg)
		}
	}
}

// RedisPresence shares presence between gateway instances in one hash per topic
// mapping user id to its session count.
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

var untrackScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then redis.call('HDEL', KEYS[1], ARGV[1]) end
return n`)

func (p *RedisPresence) Add(ctx context.Context, topic, userID string) error {
	key := presencePrefix + topic
	pipe := p.rdb.TxPipeline()
	pipe.HIncrBy(ctx, key, userID, 1)
	pipe.Expire(ctx, key, presenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (p *RedisPresence) Remove(ctx context.Context, topic, userID string) error {
	return untrackScript.Run(ctx, p.rdb, []string{presencePrefix + topic}, userID).Err()
}

func (p *RedisPresence) Members(ctx context.Context, topic string) ([]string, error) {
	counts, err := p.rdb.HGetAll(ctx, presencePrefix+topic).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(counts))
	for userID, raw := range counts {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			out = append(out, userID)
		}
	}
	slices.Sort(out)
	return out, nil
}
