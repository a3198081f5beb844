package bus

import (
	"fmt"
	"slices"
	"sync"
)

// Observers is a synchronous observer list. Unlike Bus, every registered
// function is called in registration order on the notifying goroutine.
type Observers[T any] struct {
	mu   sync.RWMutex
	fns  map[int]func(T)
	next int
	// OnPanic receives a recovered observer panic. Nil drops it.
	OnPanic func(error)
}

// Add registers fn and returns an idempotent function that removes it.
func (o *Observers[T]) Add(fn func(T)) func() {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[int]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

// Len returns the number of registered observers.
func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.fns)
}

// Notify calls every observer with v. A panicking observer does not stop the others.
func (o *Observers[T]) Notify(v T) {
	o.mu.RLock()
	ids := make([]int, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	fns := make(map[int]func(T), len(o.fns))
	for id, fn := range o.fns {
		fns[id] = fn
	}
	o.mu.RUnlock()

	slices.Sort(ids)
	for _, id := range ids {
		o.call(fns[id], v)
	}
}

func (o *Observers[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && o.OnPanic != nil {
			o.OnPanic(fmt.Errorf("observer panic: %v", r))
		}
	}()
	fn(v)
}
