// Package presence tracks which users are online.
package presence

import (
	"maps"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
)

// Registry maps user ids to their last known presence.
type Registry struct {
	bus *bus.Bus
	now func() time.Time

	mu    sync.RWMutex
	users map[string]model.Presence
}

// NewRegistry creates an empty registry. A nil now uses time.Now.
func NewRegistry(b *bus.Bus, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{bus: b, now: now, users: make(map[string]model.Presence)}
}

// SetOnline records a USER_ONLINE / USER_OFFLINE event.
func (r *Registry) SetOnline(userID string, online bool) {
	r.Apply(model.Presence{UserID: userID, Online: online, LastSeen: r.now()})
}

// Apply stores p. It returns false when p carries no change or is older
// than the observation already held.
func (r *Registry) Apply(p model.Presence) bool {
	r.mu.Lock()
	prev, ok := r.users[p.UserID]
	stale := ok && p.LastSeen.Before(prev.LastSeen)
	same := ok && prev.Online == p.Online && p.LastSeen.Equal(prev.LastSeen)
	if stale || same {
		r.mu.Unlock()
		return false
	}
	r.users[p.UserID] = p
	r.mu.Unlock()

	r.bus.Emit(bus.PresenceChanged, p)
	return true
}

// ApplyAll stores a batch, typically a REST response.
func (r *Registry) ApplyAll(ps []model.Presence) {
	for _, p := range ps {
		r.Apply(p)
	}
}

// Get returns a user's presence.
func (r *Registry) Get(userID string) (model.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.users[userID]
	return p, ok
}

// Snapshot returns a copy of every known presence.
func (r *Registry) Snapshot() map[string]model.Presence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.users)
}
