package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketchat/internal/domain/chat"
)

// Config wires a Client to its collaborators. Identity, Requests and Broadcasts are optional.
type Config struct {
	Viewer          chat.Profile
	API             DataAPI
	Identity        IdentityService
	Requests        TransactionService
	Changes         ChangeFeed
	Broadcasts      Broadcaster
	Logger          *slog.Logger
	RefreshInterval time.Duration
	TypingTTL       time.Duration
}

// OpenParams selects a conversation either by id or by the other party and request.
type OpenParams struct {
	ConversationID string
	OtherPartyID   string
	RequestID      string
	// ViewerRole decides which side of the key the viewer occupies; client by default.
	ViewerRole chat.Role
}

// Key returns the conversation key for the viewer.
func (p OpenParams) Key(viewerID string) chat.ConversationKey {
	if p.ViewerRole == chat.RoleProvider {
		return chat.ConversationKey{ClientID: p.OtherPartyID, ProviderID: viewerID, RequestID: p.RequestID}.Normalize()
	}
	return chat.ConversationKey{ClientID: viewerID, ProviderID: p.OtherPartyID, RequestID: p.RequestID}.Normalize()
}

// Client is the per-session facade over the synchronization engine.
type Client struct {
	cfg    Config
	logger *slog.Logger

	store     *MessageStore
	cursors   *ReadCursors
	directory *Directory
	engine    *Engine
	presence  *Presence

	opens singleflight.Group

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
	closed  bool
}

// NewClient validates cfg and builds the engine's caches.
func NewClient(cfg Config) (*Client, error) {
	if cfg.API == nil {
		return nil, errors.New("chatsync: data api is required")
	}
	if cfg.Changes == nil {
		return nil, errors.New("chatsync: change feed is required")
	}
	cfg.Viewer.UserID = strings.TrimSpace(cfg.Viewer.UserID)
	if cfg.Viewer.UserID == "" {
		return nil, errors.New("chatsync: viewer id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user_id", cfg.Viewer.UserID)

	c := &Client{cfg: cfg, logger: logger}
	c.store = NewMessageStore(cfg.API, cfg.Viewer.UserID, logger)
	c.cursors = NewReadCursors(cfg.API, cfg.Viewer.UserID, logger, c.invalidate)
	c.directory = NewDirectory(cfg.API, cfg.Identity, cfg.Requests, c.cursors, cfg.Viewer.UserID, cfg.RefreshInterval, logger)
	c.engine = NewEngine(cfg.Changes, cfg.Identity, c.store, cfg.Viewer.UserID, c.invalidate, logger)
	if cfg.Broadcasts != nil {
		c.presence = NewPresence(cfg.Broadcasts, logger)
	}
	return c, nil
}

// Start joins presence and runs the periodic unread refresh until Close.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errFeedClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	if c.presence != nil {
		if err := c.presence.Start(ctx); err != nil {
			c.logger.Warn("presence unavailable", "error", err)
		}
	}

	c.running.Add(1)
	go func() {
		defer c.running.Done()
		_ = c.directory.Run(runCtx)
	}()
	return nil
}

// SetForeground forwards the application's activity to presence.
func (c *Client) SetForeground(ctx context.Context, active bool) error {
	if c.presence == nil {
		return nil
	}
	return c.presence.SetForeground(ctx, active)
}

// TotalUnread is the process-wide unread count.
func (c *Client) TotalUnread() *Observable[int] { return c.directory.TotalUnread() }

// OnlineUserIDs is the process-wide online membership.
func (c *Client) OnlineUserIDs() *Observable[UserSet] {
	if c.presence == nil {
		return NewObservable(NewUserSet(nil))
	}
	return c.presence.OnlineUserIDs()
}

// IsOnline reports whether userID currently holds a tracked session.
func (c *Client) IsOnline(userID string) bool {
	return c.presence != nil && c.presence.IsOnline(userID)
}

// Directory exposes the viewer's conversation list.
func (c *Client) Directory() *Directory { return c.directory }

// Viewer returns the session's identity.
func (c *Client) Viewer() chat.Profile { return c.cfg.Viewer }

// Resync recovers derived state after the realtime transport reconnected.
func (c *Client) Resync() { c.engine.Resync() }

// Close stops background work and every live subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.running.Wait()
	c.engine.Close()
	if c.presence != nil {
		return c.presence.Stop()
	}
	return nil
}

// OpenConversation resolves the conversation, creating it when it does not exist yet,
// and returns a live feed of its messages.
func (c *Client) OpenConversation(ctx context.Context, params OpenParams) (*Feed, error) {
	conv, err := c.resolve(ctx, params)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(c.cfg.Viewer.UserID) {
		return nil, chat.ErrNotParticipant
	}
	return c.mount(ctx, conv)
}

func (c *Client) resolve(ctx context.Context, params OpenParams) (chat.Conversation, error) {
	if id := strings.TrimSpace(params.ConversationID); id != "" {
		conv, err := c.cfg.API.GetConversation(ctx, id)
		if err != nil {
			return chat.Conversation{}, fmt.Errorf("get conversation: %w", err)
		}
		return conv, nil
	}
	key := params.Key(c.cfg.Viewer.UserID)
	if err := key.Validate(); err != nil {
		return chat.Conversation{}, err
	}
	v, err, _ := c.opens.Do(key.String(), func() (any, error) {
		return c.findOrCreate(ctx, key)
	})
	if err != nil {
		return chat.Conversation{}, err
	}
	return v.(chat.Conversation), nil
}

func (c *Client) findOrCreate(ctx context.Context, key chat.ConversationKey) (chat.Conversation, error) {
	conv, err := c.cfg.API.FindConversation(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return chat.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	conv, err = c.cfg.API.CreateConversation(ctx, key)
	if err == nil {
		c.invalidate()
		return conv, nil
	}
	if !errors.Is(err, chat.ErrConversationExists) {
		return chat.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	// another session created it first
	conv, err = c.cfg.API.FindConversation(ctx, key)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("find conversation after conflict: %w", err)
	}
	return conv, nil
}

func (c *Client) invalidate() {
	c.directory.Invalidate()
}
