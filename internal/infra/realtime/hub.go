package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/internal/domain/chat"
)

var (
	ErrNotSubscribed = errors.New("realtime: topic not subscribed")
	ErrForbidden     = errors.New("realtime: topic not allowed")
)

// Authorizer decides whether userID may subscribe to topic.
type Authorizer func(ctx context.Context, userID, topic string) error

// Options configures a Hub. Nil Presence means in-process presence; nil Bus means a
// single gateway instance.
type Options struct {
	Presence   PresenceStore
	Bus        Bus
	Authorize  Authorizer
	PingPeriod time.Duration
	Logger     *slog.Logger
}

// Hub routes change events, broadcasts and presence between websocket sessions.
// Broadcasts go to current subscribers only and never back to the sending session.
type Hub struct {
	instance   string
	presence   PresenceStore
	bus        Bus
	authorize  Authorizer
	pingPeriod time.Duration
	logger     *slog.Logger

	mu          sync.RWMutex
	conns       map[string]*Connection
	topics      map[string]map[string]*Connection // topic -> connID -> conn
	memberships map[string]map[string]struct{}    // connID -> topics
	tracked     map[string]map[string]struct{}    // connID -> tracked topics

	// serializes membership reads with their delivery so syncs arrive in lookup order
	presenceMu sync.Mutex
}

func NewHub(opts Options) *Hub {
	presence := opts.Presence
	if presence == nil {
		presence = NewMemoryPresence()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		instance:    uuid.NewString(),
		presence:    presence,
		bus:         opts.Bus,
		authorize:   opts.Authorize,
		pingPeriod:  opts.PingPeriod,
		logger:      logger,
		conns:       make(map[string]*Connection),
		topics:      make(map[string]map[string]*Connection),
		memberships: make(map[string]map[string]struct{}),
		tracked:     make(map[string]map[string]struct{}),
	}
}

// Run relays envelopes from other instances until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return h.bus.Run(ctx, func(msg BusMessage) {
		if msg.Origin == h.instance {
			return
		}
		h.deliver(msg.Envelope, msg.Except)
	})
}

// Attach registers a connection and starts its write loop.
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.memberships[conn.ID] = make(map[string]struct{})
	h.mu.Unlock()
	conn.Start()
}

// Detach drops every subscription of conn and untracks its presence.
func (h *Hub) Detach(ctx context.Context, conn *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID)
	for topic := range h.memberships[conn.ID] {
		h.leaveLocked(topic, conn.ID)
	}
	delete(h.memberships, conn.ID)
	tracked := h.tracked[conn.ID]
	delete(h.tracked, conn.ID)
	h.mu.Unlock()

	for topic := range tracked {
		if err := h.presence.Remove(ctx, topic, conn.UserID); err != nil {
			h.logger.Warn("presence untrack failed", "topic", topic, "user_id", conn.UserID, "error", err)
			continue
		}
		h.announce(ctx, topic)
	}
}

// Subscribe adds conn to topic and acknowledges with ref.
func (h *Hub) Subscribe(ctx context.Context, conn *Connection, topic, ref string) error {
	if h.authorize != nil {
		if err := h.authorize(ctx, conn.UserID, topic); err != nil {
			return err
		}
	}
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.mu.Unlock()
		return errConnectionClosed
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[string]*Connection)
		h.topics[topic] = subs
	}
	subs[conn.ID] = conn
	h.memberships[conn.ID][topic] = struct{}{}
	h.mu.Unlock()

	_ = conn.SendEnvelope(Envelope{Type: TypeSubscribed, Topic: topic, Ref: ref})

	// the full membership is sent even when empty so a returning session drops stale users
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	members, err := h.presence.Members(ctx, topic)
	if err != nil {
		h.logger.Warn("presence lookup failed", "topic", topic, "error", err)
		return nil
	}
	_ = conn.SendEnvelope(presenceEnvelope(topic, members))
	return nil
}

// Unsubscribe removes conn from topic, untracking it first when needed.
func (h *Hub) Unsubscribe(ctx context.Context, conn *Connection, topic string) {
	_ = h.Untrack(ctx, conn, topic)
	h.mu.Lock()
	h.leaveLocked(topic, conn.ID)
	h.mu.Unlock()
}

// Broadcast delivers an ephemeral event to the other subscribers of topic.
func (h *Hub) Broadcast(ctx context.Context, conn *Connection, topic, event string, payload json.RawMessage) error {
	if !h.subscribed(conn, topic) {
		return ErrNotSubscribed
	}
	env := Envelope{Type: TypeBroadcast, Topic: topic, Event: event, Payload: payload}
	h.deliver(env, conn.ID)
	h.relay(ctx, env, conn.ID)
	return nil
}

// Track marks conn's user as present on topic and pushes the new membership.
func (h *Hub) Track(ctx context.Context, conn *Connection, topic string) error {
	if !h.subscribed(conn, topic) {
		return ErrNotSubscribed
	}
	h.mu.Lock()
	tracked := h.tracked[conn.ID]
	if tracked == nil {
		tracked = make(map[string]struct{})
		h.tracked[conn.ID] = tracked
	}
	if _, ok := tracked[topic]; ok {
		h.mu.Unlock()
		return nil
	}
	tracked[topic] = struct{}{}
	h.mu.Unlock()

	if err := h.presence.Add(ctx, topic, conn.UserID); err != nil {
		h.mu.Lock()
		delete(h.tracked[conn.ID], topic)
		h.mu.Unlock()
		return err
	}
	h.announce(ctx, topic)
	return nil
}

// Untrack removes conn's presence from topic. Untracking an untracked topic is a no-op.
func (h *Hub) Untrack(ctx context.Context, conn *Connection, topic string) error {
	h.mu.Lock()
	_, ok := h.tracked[conn.ID][topic]
	if ok {
		delete(h.tracked[conn.ID], topic)
	}
	h.mu.Unlock()
	if !ok {
		return nil
	}
	if err := h.presence.Remove(ctx, topic, conn.UserID); err != nil {
		return err
	}
	h.announce(ctx, topic)
	return nil
}

// PublishChange delivers a change event locally and relays it to other instances.
func (h *Hub) PublishChange(ctx context.Context, ev chat.ChangeEvent) error {
	env, err := changeEnvelope(ev)
	if err != nil {
		return err
	}
	h.deliver(env, "")
	h.relay(ctx, env, "")
	return nil
}

// DeliverChange delivers a change event to this instance's subscribers only.
func (h *Hub) DeliverChange(_ context.Context, ev chat.ChangeEvent) error {
	env, err := changeEnvelope(ev)
	if err != nil {
		return err
	}
	h.deliver(env, "")
	return nil
}

// Subscribers returns the number of local sessions subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close terminates all sessions.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutdown")
	}
}

func (h *Hub) announce(ctx context.Context, topic string) {
	h.presenceMu.Lock()
	members, err := h.presence.Members(ctx, topic)
	if err != nil {
		h.presenceMu.Unlock()
		h.logger.Warn("presence lookup failed", "topic", topic, "error", err)
		return
	}
	env := presenceEnvelope(topic, members)
	h.deliver(env, "")
	h.presenceMu.Unlock()
	h.relay(ctx, env, "")
}

func (h *Hub) deliver(env Envelope, except string) {
	payload, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode envelope", "type", env.Type, "topic", env.Topic, "error", err)
		return
	}
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.topics[env.Topic]))
	for id, conn := range h.topics[env.Topic] {
		if id != except {
			targets = append(targets, conn)
		}
	}
	h.mu.RUnlock()
	for _, conn := range targets {
		_ = conn.Send(payload)
	}
}

func (h *Hub) relay(ctx context.Context, env Envelope, except string) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(ctx, BusMessage{Origin: h.instance, Except: except, Envelope: env}); err != nil {
		h.logger.Warn("realtime relay failed", "type", env.Type, "topic", env.Topic, "error", err)
	}
}

func (h *Hub) subscribed(conn *Connection, topic string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.memberships[conn.ID][topic]
	return ok
}

func (h *Hub) leaveLocked(topic, connID string) {
	if subs := h.topics[topic]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if memberships := h.memberships[connID]; memberships != nil {
		delete(memberships, topic)
	}
}

func changeEnvelope(ev chat.ChangeEvent) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	topic := chat.ChangeTopic(ev.Table, chat.ConversationFilter(ev.Record.ConversationID))
	return Envelope{Type: TypeChange, Topic: topic, Event: ev.Type, Payload: payload}, nil
}

func presenceEnvelope(topic string, members []string) Envelope {
	if members == nil {
		members = []string{}
	}
	payload, _ := json.Marshal(PresencePayload{UserIDs: members})
	return Envelope{Type: TypePresenceSync, Topic: topic, Payload: payload}
}
