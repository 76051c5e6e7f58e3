// ABOUTME: Bounded multi-consumer broadcast bus
// ABOUTME: Fan-out with per-subscriber buffers and a lag-and-continue policy
package server

import (
	"sync"
	"sync/atomic"
)

// Bus fans values out to every active subscriber. Publishing never
// blocks: a subscriber whose buffer is full misses the value and its
// lag counter is bumped. Audio consumers simply lose chunks; control
// consumers get nudged to resync by the session writer.
type Bus[T any] struct {
	mu       sync.RWMutex
	subs     map[uint64]*Subscription[T]
	nextID   uint64
	capacity int
}

// Subscription is one consumer's view of a Bus.
type Subscription[T any] struct {
	bus    *Bus[T]
	id     uint64
	ch     chan T
	lagged atomic.Uint64
	closed atomic.Bool
}

// NewBus creates a bus whose subscribers buffer up to capacity values.
func NewBus[T any](capacity int) *Bus[T] {
	return &Bus[T]{
		subs:     make(map[uint64]*Subscription[T]),
		capacity: capacity,
	}
}

// Subscribe registers a new consumer. Only values published after the
// call are delivered.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription[T]{
		bus: b,
		id:  b.nextID,
		ch:  make(chan T, b.capacity),
	}
	b.subs[sub.id] = sub
	b.nextID++
	return sub
}

// Publish delivers v to every subscriber that has room.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
		default:
			sub.lagged.Add(1)
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// C is the receive channel. It is never closed while the subscription
// is active; cancel with Close and stop receiving.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Lagged returns the number of values missed since the last call and
// resets the counter.
func (s *Subscription[T]) Lagged() uint64 {
	return s.lagged.Swap(0)
}

// Close removes the subscription from the bus. Safe to call twice.
func (s *Subscription[T]) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
}
