package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"marketchat/internal/chatsync"
	"marketchat/internal/domain/chat"
	"marketchat/internal/infra/obs"
	"marketchat/internal/infra/realtime"
)

const (
	maxFrameSize     = 1 << 20
	stableConnection = 60 * time.Second
)

var (
	errClosed        = errors.New("realtime: client closed")
	errNotConnected  = fmt.Errorf("%w: realtime not connected", chat.ErrUnavailable)
	errNotSubscribed = errors.New("realtime: topic not subscribed")
)

// RealtimeConfig configures the websocket transport.
type RealtimeConfig struct {
	// URL of the gateway socket, for example ws://localhost:8080/api/v1/ws.
	URL    string
	UserID string

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// MaxReconnectAttempts bounds consecutive failed dials; zero retries forever.
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	// RequestTimeout bounds dials and every acknowledged request.
	RequestTimeout time.Duration

	// OnReconnect runs after a dropped socket was re-established and every topic re-joined.
	OnReconnect  func()
	OnDisconnect func(err error)
	Logger       *slog.Logger
}

func (c RealtimeConfig) withDefaults() RealtimeConfig {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Realtime multiplexes change-feed subscriptions and ephemeral channels over one
// socket. Topics are joined on the server while at least one listener holds them
// and are re-joined after every reconnect.
type Realtime struct {
	cfg    RealtimeConfig
	logger *slog.Logger
	recon  *reconnector
	seq    atomic.Uint64

	life context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu           sync.Mutex
	conn         *websocket.Conn
	cancelConn   context.CancelFunc
	topics       map[string]*topicState
	pending      map[string]chan realtime.Envelope
	reconnecting bool
	closed       bool
}

type topicState struct {
	listeners map[uint64]*listener
	ready     chan struct{}
	err       error
	members   []string
	synced    bool
}

type listener struct {
	id       uint64
	topic    string
	onChange func(chat.ChangeEvent)
	handlers chatsync.EphemeralHandlers
	tracked  bool
}

// NewRealtime builds an unconnected transport; call Connect before joining topics.
func NewRealtime(cfg RealtimeConfig) *Realtime {
	cfg = cfg.withDefaults()
	life, stop := context.WithCancel(context.Background())
	return &Realtime{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "realtime", "user_id", cfg.UserID),
		recon:   newReconnector(cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay, cfg.MaxReconnectAttempts),
		life:    life,
		stop:    stop,
		topics:  make(map[string]*topicState),
		pending: make(map[string]chan realtime.Envelope),
	}
}

// Connect dials the gateway. Calling it on a connected transport is a no-op.
func (r *Realtime) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errClosed
	}
	connected := r.conn != nil
	r.mu.Unlock()
	if connected {
		return nil
	}
	return r.dial(ctx)
}

// Connected reports whether a socket is currently open.
func (r *Realtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Close leaves every topic and stops reconnecting.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	cancel := r.cancelConn
	r.conn = nil
	r.cancelConn = nil
	r.topics = make(map[string]*topicState)
	pending := r.pending
	r.pending = make(map[string]chan realtime.Envelope)
	r.mu.Unlock()

	r.stop()
	for _, ch := range pending {
		close(ch)
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	return err
}

// SubscribeInserts implements chatsync.ChangeFeed.
func (r *Realtime) SubscribeInserts(ctx context.Context, table, filter string, handler func(chat.ChangeEvent)) (chatsync.Subscription, error) {
	if handler == nil {
		return nil, errors.New("realtime: change handler is required")
	}
	l, err := r.join(ctx, chat.ChangeTopic(table, filter), func(l *listener) { l.onChange = handler })
	if err != nil {
		return nil, err
	}
	return subscription{r: r, l: l}, nil
}

// Join implements chatsync.Broadcaster.
func (r *Realtime) Join(ctx context.Context, topic string, handlers chatsync.EphemeralHandlers) (chatsync.EphemeralChannel, error) {
	l, err := r.join(ctx, topic, func(l *listener) { l.handlers = handlers })
	if err != nil {
		return nil, err
	}
	return &channel{r: r, l: l}, nil
}

func (r *Realtime) join(ctx context.Context, topic string, configure func(*listener)) (*listener, error) {
	l := &listener{id: r.seq.Add(1), topic: topic}
	configure(l)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errClosed
	}
	ts, ok := r.topics[topic]
	if !ok {
		ts = &topicState{listeners: make(map[uint64]*listener), ready: make(chan struct{})}
		r.topics[topic] = ts
	}
	ts.listeners[l.id] = l
	r.mu.Unlock()

	if !ok {
		err := r.subscribe(ctx, topic)
		r.mu.Lock()
		ts.err = err
		close(ts.ready)
		if err != nil && r.topics[topic] == ts {
			delete(r.topics, topic)
		}
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return l, nil
	}

	select {
	case <-ts.ready:
	case <-ctx.Done():
		_ = r.leave(l)
		return nil, ctx.Err()
	}
	r.mu.Lock()
	err := ts.err
	members := ts.members
	synced := ts.synced
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	// the server only pushes membership on subscribe, so late listeners get the last snapshot
	if synced && l.handlers.OnPresenceSync != nil {
		l.handlers.OnPresenceSync(members)
	}
	return l, nil
}

// leave drops one listener; the topic is left on the server with its last listener.
func (r *Realtime) leave(l *listener) error {
	r.mu.Lock()
	ts := r.topics[l.topic]
	if ts == nil || ts.listeners[l.id] == nil {
		r.mu.Unlock()
		return nil
	}
	delete(ts.listeners, l.id)
	last := len(ts.listeners) == 0
	if last {
		delete(r.topics, l.topic)
	}
	untrack := l.tracked && !last && !ts.anyTracked()
	l.tracked = false
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.life, r.cfg.RequestTimeout)
	defer cancel()
	var err error
	switch {
	case last:
		err = r.send(ctx, realtime.Envelope{Type: realtime.TypeUnsubscribe, Topic: l.topic, Ref: r.nextRef()})
	case untrack:
		err = r.send(ctx, realtime.Envelope{Type: realtime.TypeUntrack, Topic: l.topic, Ref: r.nextRef()})
	}
	// the server drops everything for a closed socket anyway
	if errors.Is(err, errNotConnected) || errors.Is(err, errClosed) {
		return nil
	}
	return err
}

func (ts *topicState) anyTracked() bool {
	for _, l := range ts.listeners {
		if l.tracked {
			return true
		}
	}
	return false
}

func (r *Realtime) subscribe(ctx context.Context, topic string) error {
	_, err := r.request(ctx, realtime.Envelope{Type: realtime.TypeSubscribe, Topic: topic})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

func (r *Realtime) setTracked(ctx context.Context, l *listener, tracked bool) error {
	r.mu.Lock()
	ts := r.topics[l.topic]
	if ts == nil || ts.listeners[l.id] == nil {
		r.mu.Unlock()
		return errNotSubscribed
	}
	before := ts.anyTracked()
	l.tracked = tracked
	after := ts.anyTracked()
	r.mu.Unlock()

	switch {
	case !before && after:
		return r.send(ctx, realtime.Envelope{Type: realtime.TypeTrack, Topic: l.topic, Ref: r.nextRef()})
	case before && !after:
		return r.send(ctx, realtime.Envelope{Type: realtime.TypeUntrack, Topic: l.topic, Ref: r.nextRef()})
	}
	return nil
}

// Ping round-trips an application-level ping.
func (r *Realtime) Ping(ctx context.Context) error {
	_, err := r.request(ctx, realtime.Envelope{Type: realtime.TypePing})
	return err
}

// request sends env with a fresh ref and waits for the reply carrying it.
func (r *Realtime) request(ctx context.Context, env realtime.Envelope) (realtime.Envelope, error) {
	env.Ref = r.nextRef()
	reply := make(chan realtime.Envelope, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return realtime.Envelope{}, errClosed
	}
	r.pending[env.Ref] = reply
	r.mu.Unlock()
	forget := func() {
		r.mu.Lock()
		delete(r.pending, env.Ref)
		r.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	if err := r.send(ctx, env); err != nil {
		forget()
		return realtime.Envelope{}, err
	}
	select {
	case got, ok := <-reply:
		if !ok {
			return realtime.Envelope{}, errNotConnected
		}
		if got.Type == realtime.TypeError {
			return got, replyError(got)
		}
		return got, nil
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return realtime.Envelope{}, fmt.Errorf("%w: %s timed out", chat.ErrUnavailable, env.Type)
		}
		return realtime.Envelope{}, ctx.Err()
	}
}

func replyError(env realtime.Envelope) error {
	var p realtime.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	switch p.Code {
	case "forbidden":
		return fmt.Errorf("%w: %s", chat.ErrNotParticipant, p.Message)
	case "not_subscribed":
		return errNotSubscribed
	case "bad_request", "unsupported_type":
		return fmt.Errorf("%w: %s", chat.ErrInvalidArgument, p.Message)
	default:
		return fmt.Errorf("%w: %s", chat.ErrUnavailable, p.Message)
	}
}

func (r *Realtime) send(ctx context.Context, env realtime.Envelope) error {
	r.mu.Lock()
	closed := r.closed
	conn := r.conn
	r.mu.Unlock()
	if closed {
		return errClosed
	}
	if conn == nil {
		return errNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", chat.ErrUnavailable, env.Type, err)
	}
	return nil
}

func (r *Realtime) nextRef() string {
	return strconv.FormatUint(r.seq.Add(1), 10)
}

func (r *Realtime) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, r.cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{obs.UserIDHeader: []string{r.cfg.UserID}},
	})
	if err != nil {
		return fmt.Errorf("%w: dial realtime: %v", chat.ErrUnavailable, err)
	}
	conn.SetReadLimit(maxFrameSize)

	connCtx, cancelConn := context.WithCancel(r.life)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancelConn()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return errClosed
	}
	if r.conn != nil {
		// lost a race with another dial
		r.mu.Unlock()
		cancelConn()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return nil
	}
	r.conn = conn
	r.cancelConn = cancelConn
	r.reconnecting = false
	r.mu.Unlock()
	r.recon.markConnected(time.Now())
	r.logger.Debug("realtime connected", "url", r.cfg.URL)

	r.wg.Add(2)
	go r.readLoop(connCtx, conn)
	go r.heartbeatLoop(connCtx, conn)
	return nil
}

func (r *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer r.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.lost(conn, err)
			return
		}
		var env realtime.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		r.dispatch(env)
	}
}

func (r *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("realtime heartbeat failed", "error", err)
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (r *Realtime) dispatch(env realtime.Envelope) {
	if env.Ref != "" {
		r.mu.Lock()
		reply, ok := r.pending[env.Ref]
		if ok {
			delete(r.pending, env.Ref)
		}
		r.mu.Unlock()
		if ok {
			reply <- env
			return
		}
	}

	switch env.Type {
	case realtime.TypeChange:
		var ev chat.ChangeEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			r.logger.Warn("malformed change event", "topic", env.Topic, "error", err)
			return
		}
		for _, l := range r.listenersOf(env.Topic) {
			if l.onChange != nil {
				l.onChange(ev)
			}
		}
	case realtime.TypeBroadcast:
		for _, l := range r.listenersOf(env.Topic) {
			if l.handlers.OnBroadcast != nil {
				l.handlers.OnBroadcast(env.Event, env.Payload)
			}
		}
	case realtime.TypePresenceSync:
		var p realtime.PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.logger.Warn("malformed presence sync", "topic", env.Topic, "error", err)
			return
		}
		r.mu.Lock()
		if ts := r.topics[env.Topic]; ts != nil {
			ts.members = p.UserIDs
			ts.synced = true
		}
		r.mu.Unlock()
		for _, l := range r.listenersOf(env.Topic) {
			if l.handlers.OnPresenceSync != nil {
				l.handlers.OnPresenceSync(p.UserIDs)
			}
		}
	case realtime.TypeError:
		r.logger.Warn("realtime request rejected", "ref", env.Ref, "error", replyError(env))
	}
}

func (r *Realtime) listenersOf(topic string) []*listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.topics[topic]
	if ts == nil {
		return nil
	}
	out := make([]*listener, 0, len(ts.listeners))
	for _, l := range ts.listeners {
		out = append(out, l)
	}
	return out
}

// lost handles a dead socket: waiters fail, tracking is forgotten and a reconnect starts.
func (r *Realtime) lost(conn *websocket.Conn, cause error) {
	r.mu.Lock()
	if r.conn != conn {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	cancel := r.cancelConn
	r.cancelConn = nil
	pending := r.pending
	r.pending = make(map[string]chan realtime.Envelope)
	for _, ts := range r.topics {
		for _, l := range ts.listeners {
			l.tracked = false
		}
	}
	closed := r.closed
	start := !closed && !r.reconnecting
	if start {
		r.reconnecting = true
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, ch := range pending {
		close(ch)
	}
	if closed {
		return
	}
	r.logger.Warn("realtime disconnected", "error", cause)
	if r.cfg.OnDisconnect != nil {
		r.cfg.OnDisconnect(cause)
	}
	if start {
		r.wg.Add(1)
		go r.reconnect()
	}
}

func (r *Realtime) reconnect() {
	defer r.wg.Done()
	for {
		if r.recon.exhausted() {
			r.mu.Lock()
			r.reconnecting = false
			r.mu.Unlock()
			r.logger.Error("realtime reconnect gave up", "attempts", r.cfg.MaxReconnectAttempts)
			return
		}
		delay := r.recon.nextDelay(time.Now())
		timer := time.NewTimer(delay)
		select {
		case <-r.life.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		err := r.dial(r.life)
		if err == nil {
			break
		}
		if errors.Is(err, errClosed) {
			return
		}
		r.logger.Debug("realtime reconnect failed", "delay", delay, "error", err)
	}
	r.resubscribe()
	if r.cfg.OnReconnect != nil {
		r.cfg.OnReconnect()
	}
}

// resubscribe re-joins every held topic. Tracking is not restored here;
// holders re-track from OnResubscribed.
func (r *Realtime) resubscribe() {
	r.mu.Lock()
	topics := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		topics = append(topics, topic)
	}
	r.mu.Unlock()

	for _, topic := range topics {
		if err := r.subscribe(r.life, topic); err != nil {
			r.logger.Warn("realtime resubscribe failed", "topic", topic, "error", err)
			continue
		}
		for _, l := range r.listenersOf(topic) {
			if l.handlers.OnResubscribed != nil {
				l.handlers.OnResubscribed()
			}
		}
	}
	r.logger.Info("realtime resubscribed", "topics", len(topics))
}

type subscription struct {
	r *Realtime
	l *listener
}

func (s subscription) Unsubscribe() error { return s.r.leave(s.l) }

type channel struct {
	r *Realtime
	l *listener
}

func (c *channel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	return c.r.send(ctx, realtime.Envelope{
		Type:    realtime.TypeBroadcast,
		Topic:   c.l.topic,
		Event:   event,
		Payload: payload,
		Ref:     c.r.nextRef(),
	})
}

func (c *channel) Track(ctx context.Context) error   { return c.r.setTracked(ctx, c.l, true) }
func (c *channel) Untrack(ctx context.Context) error { return c.r.setTracked(ctx, c.l, false) }
func (c *channel) Leave() error                      { return c.r.leave(c.l) }

// reconnector computes exponential backoff with jitter. Attempts reset once a
// connection has stayed up for stableConnection.
type reconnector struct {
	mu          sync.Mutex
	base        time.Duration
	max         time.Duration
	maxAttempts int
	attempts    int
	connectedAt time.Time
	jitter      func() float64
}

func newReconnector(base, maxDelay time.Duration, maxAttempts int) *reconnector {
	return &reconnector{base: base, max: maxDelay, maxAttempts: maxAttempts, jitter: rand.Float64}
}

func (r *reconnector) markConnected(now time.Time) {
	r.mu.Lock()
	r.connectedAt = now
	r.mu.Unlock()
}

func (r *reconnector) exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts > 0 && r.attempts >= r.maxAttempts
}

func (r *reconnector) nextDelay(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && now.Sub(r.connectedAt) >= stableConnection {
		r.attempts = 0
	}
	r.connectedAt = time.Time{}

	delay := r.max
	if r.attempts < 30 {
		delay = min(r.base<<r.attempts, r.max)
	}
	delay += time.Duration(r.jitter() * 0.5 * float64(delay))
	r.attempts++
	return min(delay, r.max)
}

var (
	_ chatsync.ChangeFeed  = (*Realtime)(nil)
	_ chatsync.Broadcaster = (*Realtime)(nil)
)
