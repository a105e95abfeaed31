package chatsync

import (
	"log/slog"
	"sync"
)

// Broadcaster fans a value out to subscribers. Callbacks run synchronously on
// the publishing goroutine, in subscription order; a panicking subscriber is
// logged and skipped.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription[T]
	logger *slog.Logger
}

type subscription[T any] struct {
	id int
	fn func(T)
}

func newBroadcaster[T any](logger *slog.Logger) *Broadcaster[T] {
	return &Broadcaster[T]{logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Broadcaster[T]) publish(v T) {
	b.mu.RLock()
	subs := append([]subscription[T](nil), b.subs...)
	b.mu.RUnlock()
	for _, s := range subs {
		b.call(s.fn, v)
	}
}

func (b *Broadcaster[T]) call(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("subscriber panicked", "panic", r)
		}
	}()
	fn(v)
}
