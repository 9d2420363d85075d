package link

import (
	"sort"
	"sync"
	"time"

	"github.com/coachpo/exchangelink/internal/domain/schema"
)

// Handler receives canonical events for one subscription. It runs on the receive
// loop and must not block.
type Handler func(schema.Event)

// Subscription is one registry entry.
type Subscription struct {
	Key     schema.StreamKey
	Handler Handler
	AddedAt time.Time
}

// Registry records the desired subscriptions of a link independent of connection state.
type Registry struct {
	mu      sync.RWMutex
	entries map[schema.StreamKey]Subscription
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[schema.StreamKey]Subscription)}
}

// Add stores sub, replacing any entry with the same key. It reports whether an entry was replaced.
func (r *Registry) Add(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.entries[sub.Key]
	r.entries[sub.Key] = sub
	return replaced
}

// Remove deletes the entry for key and reports whether it existed.
func (r *Registry) Remove(key schema.StreamKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	delete(r.entries, key)
	return ok
}

// RemoveAll clears the registry and returns the removed entries in snapshot order.
func (r *Registry) RemoveAll() []Subscription {
	r.mu.Lock()
	removed := make([]Subscription, 0, len(r.entries))
	for _, sub := range r.entries {
		removed = append(removed, sub)
	}
	r.entries = make(map[schema.StreamKey]Subscription)
	r.mu.Unlock()
	sortSubscriptions(removed)
	return removed
}

// Lookup returns the handler registered for key.
func (r *Registry) Lookup(key schema.StreamKey) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return sub.Handler, true
}

// Snapshot returns a point-in-time copy sorted by key.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.entries))
	for _, sub := range r.entries {
		out = append(out, sub)
	}
	r.mu.RUnlock()
	sortSubscriptions(out)
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func sortSubscriptions(subs []Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Key.String() < subs[j].Key.String()
	})
}
