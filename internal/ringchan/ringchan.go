// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics. Producers never block: when the buffer is
// full the oldest element is dropped. Scan results and notification events
// arrive at the radio's pace, not the consumer's, so the delivery path must
// shed load instead of stalling the native callback.
package ringchan

import "sync"

// Ring wraps a buffered channel. Writers use Send; readers range over C()
// like a normal channel.
type Ring[T any] struct {
	ch       chan T
	closeMu  sync.Mutex
	closed   bool
	overruns uint64
}

// New creates a Ring with the given capacity. Capacity must be positive.
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

// Send inserts v, discarding the oldest buffered element if full. Sends
// after Close are dropped.
func (r *Ring[T]) Send(v T) {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- v:
	default:
		select {
		case <-r.ch: // drop oldest
			r.overruns++
		default:
		}
		r.ch <- v
	}
}

// Overruns reports how many elements were discarded because the buffer was
// full.
func (r *Ring[T]) Overruns() uint64 {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	return r.overruns
}

// Close closes the receive side. Idempotent.
func (r *Ring[T]) Close() {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
}
