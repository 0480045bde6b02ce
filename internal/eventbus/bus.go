// Package eventbus provides a typed publish/subscribe dispatcher keyed by
// event name.
package eventbus

import (
	"sync"
)

// Handler receives one published value.
type Handler[T any] func(T)

// Unsubscribe removes a handler. Calling it more than once is a no-op.
type Unsubscribe func()

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Bus dispatches values to the handlers registered for a name.
// Handlers run synchronously on the publishing goroutine, in
// subscription order.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription[T]
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string][]subscription[T])}
}

// Subscribe registers handler for name. Several handlers per name are allowed.
func (b *Bus[T]) Subscribe(name string, handler Handler[T]) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, id) })
	}
}

func (b *Bus[T]) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			// Copy so snapshots held by in-progress publishes stay intact.
			next := make([]subscription[T], 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, name)
			} else {
				b.subs[name] = next
			}
			return
		}
	}
}

// Publish delivers value to every handler subscribed to name and returns
// how many handlers ran.
func (b *Bus[T]) Publish(name string, value T) int {
	b.mu.RLock()
	subs := b.subs[name]
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(value)
	}
	return len(subs)
}

// HasSubscribers reports whether anything listens on name.
func (b *Bus[T]) HasSubscribers(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name]) > 0
}
