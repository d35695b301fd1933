// Package stream fans telemetry out to downstream collaborators (signal
// scoring, notification). The bridge does not interpret tick content
// beyond forwarding it.
package stream

import "sync"

// Subscription receives broadcast values on a buffered channel
type Subscription[T any] struct {
	ch chan T
}

// C returns the receive channel
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Hub broadcasts values to all subscribers. Sends are non-blocking: a
// subscriber that cannot keep up misses values rather than stalling the
// telemetry loop.
type Hub[T any] struct {
	mu   sync.RWMutex
	subs map[*Subscription[T]]struct{}
}

// NewHub creates an empty hub
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscriber with the given buffer depth
func (h *Hub[T]) Subscribe(buffer int) *Subscription[T] {
	sub := &Subscription[T]{ch: make(chan T, buffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (h *Hub[T]) Unsubscribe(sub *Subscription[T]) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	h.mu.Unlock()
	close(sub.ch)
}

// Broadcast delivers value to every subscriber that has buffer space
func (h *Hub[T]) Broadcast(value T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.ch <- value:
		default:
		}
	}
}
