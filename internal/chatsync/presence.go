package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"marketchat/internal/domain/chat"
)

// Presence tracks which users hold an open, foregrounded session.
type Presence struct {
	broadcaster Broadcaster
	logger      *slog.Logger
	online      *Observable[UserSet]

	mu         sync.Mutex
	channel    EphemeralChannel
	foreground bool
}

// NewPresence builds a tracker; the process starts in the foreground.
func NewPresence(b Broadcaster, logger *slog.Logger) *Presence {
	return &Presence{
		broadcaster: b,
		logger:      logger,
		online:      NewObservable(NewUserSet(nil)),
		foreground:  true,
	}
}

// OnlineUserIDs is replaced wholesale by every membership sync.
func (p *Presence) OnlineUserIDs() *Observable[UserSet] { return p.online }

// IsOnline reports whether userID is in the latest membership.
func (p *Presence) IsOnline(userID string) bool {
	return p.online.Get().Has(userID)
}

// Start joins the shared presence topic and tracks the session when foregrounded.
func (p *Presence) Start(ctx context.Context) error {
	ch, err := p.broadcaster.Join(ctx, chat.PresenceTopic, EphemeralHandlers{
		OnPresenceSync: p.sync,
		OnResubscribed: p.retrack,
	})
	if err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	p.mu.Lock()
	p.channel = ch
	foreground := p.foreground
	p.mu.Unlock()
	if foreground {
		return p.track(ctx, ch)
	}
	return nil
}

// SetForeground tracks the session when the application becomes active and untracks it otherwise.
func (p *Presence) SetForeground(ctx context.Context, active bool) error {
	p.mu.Lock()
	p.foreground = active
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	if active {
		return p.track(ctx, ch)
	}
	if err := ch.Untrack(ctx); err != nil {
		return fmt.Errorf("untrack presence: %w", err)
	}
	return nil
}

// Stop leaves the presence topic, which untracks the session.
func (p *Presence) Stop() error {
	p.mu.Lock()
	ch := p.channel
	p.channel = nil
	p.mu.Unlock()
	if ch == nil {
		return nil
	}
	return ch.Leave()
}

func (p *Presence) track(ctx context.Context, ch EphemeralChannel) error {
	if err := ch.Track(ctx); err != nil {
		if p.logger != nil {
			p.logger.Warn("track presence failed", "error", err)
		}
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

func (p *Presence) sync(userIDs []string) {
	p.online.Set(NewUserSet(userIDs))
}

// retrack restores the tracked state after the transport re-joined the topic.
func (p *Presence) retrack() {
	p.mu.Lock()
	ch := p.channel
	foreground := p.foreground
	p.mu.Unlock()
	if ch == nil || !foreground {
		return
	}
	_ = p.track(context.Background(), ch)
}
