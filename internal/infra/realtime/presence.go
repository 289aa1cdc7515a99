package realtime

import (
	"context"
	"slices"
	"sync"
)

// PresenceStore counts tracked sessions per user and topic. A user stays a member while
// at least one of their sessions tracks the topic.
type PresenceStore interface {
	Add(ctx context.Context, topic, userID string) error
	Remove(ctx context.Context, topic, userID string) error
	Members(ctx context.Context, topic string) ([]string, error)
}

// MemoryPresence keeps presence for a single gateway instance.
type MemoryPresence struct {
	mu     sync.Mutex
	topics map[string]map[string]int
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{topics: make(map[string]map[string]int)}
}

func (p *MemoryPresence) Add(_ context.Context, topic, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := p.topics[topic]
	if members == nil {
		members = make(map[string]int)
		p.topics[topic] = members
	}
	members[userID]++
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, topic, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	members := p.topics[topic]
	if members == nil {
		return nil
	}
	if members[userID] <= 1 {
		delete(members, userID)
	} else {
		members[userID]--
	}
	if len(members) == 0 {
		delete(p.topics, topic)
	}
	return nil
}

func (p *MemoryPresence) Members(_ context.Context, topic string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.topics[topic]))
	for userID := range p.topics[topic] {
		out = append(out, userID)
	}
	slices.Sort(out)
	return out, nil
}
