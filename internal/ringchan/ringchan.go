// Package ringchan provides a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded and counted. Consumers read from C() like a normal channel.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// Ring is a bounded channel-like buffer that drops the oldest element when full.
type Ring[T any] struct {
	ch      chan T
	mu      sync.Mutex // serializes producers so drop-then-send is atomic
	closed  atomic.Bool
	written atomic.Int64
	dropped atomic.Int64
}

// New creates a Ring with the given capacity.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped. Sends after Close are ignored.
func (r *Ring[T]) Send(v T) (dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed.Load() {
		return false
	}

	select {
	case r.ch <- v:
	default:
		select {
		case <-r.ch:
			r.dropped.Add(1)
			dropped = true
		default:
		}
		r.ch <- v
	}
	r.written.Add(1)
	return dropped
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the buffer capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// Close closes the underlying channel. It is safe to call more than once.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed.CompareAndSwap(false, true) {
		close(r.ch)
	}
}

// Closed reports whether Close has been called.
func (r *Ring[T]) Closed() bool {
	return r.closed.Load()
}

// Stats returns the number of accepted and overwritten elements.
func (r *Ring[T]) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}
