package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"marketchat/internal/domain/chat"
)

const (
	// DefaultRefreshInterval bounds how long a missed realtime event can leave unread counts stale.
	DefaultRefreshInterval = 30 * time.Second
	directoryFanout        = 8
	directoryFlightKey     = "directory"
)

// ConversationEntry is a conversation enriched for the inbox view.
type ConversationEntry struct {
	Conversation chat.Conversation
	OtherParty   *chat.Profile
	Unread       int
	Request      *chat.RequestSummary
}

// Directory lists the viewer's conversations with unread counts and keeps the
// process-wide total unread count.
type Directory struct {
	api      DataAPI
	identity IdentityService
	requests TransactionService
	cursors  *ReadCursors
	viewer   string
	interval time.Duration
	logger   *slog.Logger

	flights   singleflight.Group
	kick      chan struct{}
	publishMu sync.Mutex

	mu        sync.Mutex
	entries   []ConversationEntry
	loaded    bool
	stale     bool
	tickets   uint64
	storedGen uint64

	total *Observable[int]
	list  *Observable[[]ConversationEntry]
}

// NewDirectory builds a directory. identity and requests may be nil.
func NewDirectory(api DataAPI, identity IdentityService, requests TransactionService, cursors *ReadCursors, viewer string, interval time.Duration, logger *slog.Logger) *Directory {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Directory{
		api:      api,
		identity: identity,
		requests: requests,
		cursors:  cursors,
		viewer:   viewer,
		interval: interval,
		logger:   logger,
		kick:     make(chan struct{}, 1),
		total:    NewObservable(0),
		list:     NewObservable[[]ConversationEntry](nil),
	}
}

// TotalUnread is the sum of unread counts across the viewer's conversations.
func (d *Directory) TotalUnread() *Observable[int] { return d.total }

// Entries publishes every stored directory snapshot.
func (d *Directory) Entries() *Observable[[]ConversationEntry] { return d.list }

// List returns the cached directory, recomputing it when stale or never loaded.
func (d *Directory) List(ctx context.Context) ([]ConversationEntry, error) {
	d.mu.Lock()
	if d.loaded && !d.stale {
		out := slices.Clone(d.entries)
		d.mu.Unlock()
		return out, nil
	}
	d.mu.Unlock()
	return d.Refresh(ctx)
}

// Refresh recomputes the directory. Concurrent callers share one computation.
func (d *Directory) Refresh(ctx context.Context) ([]ConversationEntry, error) {
	v, err, _ := d.flights.Do(directoryFlightKey, func() (any, error) {
		return d.compute(ctx)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(v.([]ConversationEntry)), nil
}

// Invalidate marks the cache stale and schedules a background recompute.
func (d *Directory) Invalidate() {
	d.mu.Lock()
	d.stale = true
	d.mu.Unlock()
	// an in-flight computation may predate the change; the next caller starts a new one
	d.flights.Forget(directoryFlightKey)
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run refreshes on a fixed interval and on every invalidation until ctx is done.
func (d *Directory) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	d.refreshLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.refreshLogged(ctx)
		case <-d.kick:
			d.refreshLogged(ctx)
		}
	}
}

func (d *Directory) refreshLogged(ctx context.Context) {
	if _, err := d.Refresh(ctx); err != nil && ctx.Err() == nil && d.logger != nil {
		d.logger.Warn("directory refresh failed", "error", err)
	}
}

func (d *Directory) compute(ctx context.Context) ([]ConversationEntry, error) {
	d.mu.Lock()
	d.tickets++
	ticket := d.tickets
	d.stale = false
	d.mu.Unlock()

	convs, err := d.api.ListConversations(ctx, d.viewer)
	if err != nil {
		d.markStale()
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	slices.SortStableFunc(convs, chat.ByLastActivity)

	entries := make([]ConversationEntry, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(directoryFanout)
	for i, conv := range convs {
		g.Go(func() error {
			entry, err := d.enrich(gctx, conv)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		d.markStale()
		return nil, err
	}

	d.mu.Lock()
	if ticket < d.storedGen {
		// a newer computation already landed
		out := slices.Clone(d.entries)
		d.mu.Unlock()
		return out, nil
	}
	d.storedGen = ticket
	d.entries = entries
	d.loaded = true
	d.mu.Unlock()

	d.publish(ticket)
	return entries, nil
}

// publish pushes the stored entries of generation ticket. Overlapping computations
// publish one at a time and a superseded generation publishes nothing.
func (d *Directory) publish(ticket uint64) {
	d.publishMu.Lock()
	defer d.publishMu.Unlock()
	d.mu.Lock()
	if ticket != d.storedGen {
		d.mu.Unlock()
		return
	}
	entries := slices.Clone(d.entries)
	d.mu.Unlock()

	d.list.Set(entries)
	d.total.Set(sumUnread(entries))
}

func (d *Directory) enrich(ctx context.Context, conv chat.Conversation) (ConversationEntry, error) {
	entry := ConversationEntry{Conversation: conv}
	unread, err := d.cursors.Unread(ctx, conv)
	if err != nil {
		return entry, err
	}
	entry.Unread = unread

	if d.identity != nil {
		other := conv.OtherParty(d.viewer)
		if profile, err := d.identity.GetProfile(ctx, other); err == nil {
			entry.OtherParty = &profile
		} else if d.logger != nil {
			d.logger.Debug("directory profile lookup failed", "other_party_id", other, "error", err)
		}
	}
	if d.requests != nil && conv.RequestID != "" {
		if summary, err := d.requests.GetRequestSummary(ctx, conv.RequestID); err == nil {
			entry.Request = &summary
		} else if d.logger != nil {
			d.logger.Debug("directory request lookup failed", "request_id", conv.RequestID, "error", err)
		}
	}
	return entry, nil
}

func (d *Directory) markStale() {
	d.mu.Lock()
	d.stale = true
	d.mu.Unlock()
}

func sumUnread(entries []ConversationEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Unread
	}
	return total
}
