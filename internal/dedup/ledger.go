// Package dedup gates inbound message events so each server message id is
// applied to the caches at most once per connection.
package dedup

import (
	"sync"

	"github.com/elliotchance/orderedmap/v3"
)

// DefaultCapacity is the number of recently seen ids retained.
const DefaultCapacity = 200

// Ledger is a bounded set of recently processed message ids. Once full, the
// oldest inserted id is evicted first; lookups do not refresh an id's position.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	seen     *orderedmap.OrderedMap[string, struct{}]
}

// New creates a ledger holding at most capacity ids. capacity <= 0 means DefaultCapacity.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{
		capacity: capacity,
		seen:     orderedmap.NewOrderedMap[string, struct{}](),
	}
}

// MarkProcessed records id and reports whether this is the first time it was seen.
func (l *Ledger) MarkProcessed(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen.Get(id); ok {
		return false
	}
	l.seen.Set(id, struct{}{})
	for l.seen.Len() > l.capacity {
		oldest := l.seen.Front()
		l.seen.Delete(oldest.Key)
	}
	return true
}

// Clear forgets every id. Called on each successful (re)connect.
func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = orderedmap.NewOrderedMap[string, struct{}]()
}

// Len returns the number of retained ids.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen.Len()
}
