package relay

import (
	"slices"
	"sync"
)

type listener[T any] struct {
	id uint64
	fn T
}

// listeners is an observer set. Registering the same function twice yields
// two independent registrations.
type listeners[T any] struct {
	mu      sync.Mutex
	next    uint64
	entries []listener[T]
}

// add registers fn and returns a func that removes exactly this registration.
func (l *listeners[T]) add(fn T) func() {
	l.mu.Lock()
	l.next++
	id := l.next
	l.entries = append(l.entries, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	return func() { l.remove(id) }
}

func (l *listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = slices.DeleteFunc(l.entries, func(e listener[T]) bool { return e.id == id })
}

// snapshot copies the registered functions so they can be called without
// holding the lock.
func (l *listeners[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]T, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

func (l *listeners[T]) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
