package chatsync

import (
	"slices"
	"sync"
)

// Observable holds a value shared across the process and notifies subscribers on change.
// Values handed out must be treated as immutable snapshots.
type Observable[T any] struct {
	mu     sync.RWMutex
	value  T
	nextID int
	subs   map[int]func(T)
	notify sync.Mutex
}

// NewObservable creates an observable with an initial value.
func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{value: initial, subs: make(map[int]func(T))}
}

// Get returns the current value.
func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// Set replaces the value and calls subscribers in registration order.
// Notifications are serialized so subscribers observe values in the order they were set.
func (o *Observable[T]) Set(v T) {
	o.notify.Lock()
	defer o.notify.Unlock()

	o.mu.Lock()
	o.value = v
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, o.subs[id])
	}
	o.mu.Unlock()

	for _, h := range handlers {
		h(v)
	}
}

// Subscribe registers fn and returns a function that removes it.
func (o *Observable[T]) Subscribe(fn func(T)) (cancel func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// UserSet is an immutable set of user ids.
type UserSet map[string]struct{}

// NewUserSet builds a set from ids, skipping blanks.
func NewUserSet(ids []string) UserSet {
	set := make(UserSet, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s UserSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in lexical order.
func (s UserSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
