// Package fifo provides the bounded queues that connect the stack
// goroutine with application goroutines. Elements posted from one
// goroutine are observed in post order; a high-priority lane lets timer
// events overtake ordinary traffic.
package fifo

import (
	"sync"
	"time"

	"github.com/halcyontel/converge/internal/errorutil"
)

const (
	ErrClosed errorutil.Error = "fifo closed"
	ErrFull   errorutil.Error = "fifo full"
)

// Fifo is a bounded multi-producer single-consumer queue.
type Fifo[T any] struct {
	mu     sync.Mutex
	wake   chan struct{}
	high   []T
	low    []T
	limit  int
	closed bool
}

// New creates a fifo bounded to limit elements across both lanes.
// A non-positive limit means unbounded.
func New[T any](limit int) *Fifo[T] {
	return &Fifo[T]{
		wake:  make(chan struct{}, 1),
		limit: limit,
	}
}

func (f *Fifo[T]) post(v T, high bool) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	if f.limit > 0 && len(f.high)+len(f.low) >= f.limit {
		f.mu.Unlock()
		return ErrFull
	}
	if high {
		f.high = append(f.high, v)
	} else {
		f.low = append(f.low, v)
	}
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

// Post enqueues v on the ordinary lane. Safe from any goroutine.
func (f *Fifo[T]) Post(v T) error { return f.post(v, false) }

// PostHigh enqueues v on the priority lane, ahead of ordinary traffic.
func (f *Fifo[T]) PostHigh(v T) error { return f.post(v, true) }

func (f *Fifo[T]) pop() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.high) > 0 {
		v := f.high[0]
		f.high = f.high[1:]
		return v, true
	}
	if len(f.low) > 0 {
		v := f.low[0]
		f.low = f.low[1:]
		return v, true
	}
	var zero T
	return zero, false
}

// Next returns the next element, waiting up to d for one to arrive.
// The second return value is false on timeout or when the fifo is
// closed and drained.
func (f *Fifo[T]) Next(d time.Duration) (T, bool) {
	deadline := time.Now().Add(d)
	for {
		if v, ok := f.pop(); ok {
			return v, true
		}

		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			var zero T
			return zero, false
		}

		left := time.Until(deadline)
		if left <= 0 {
			var zero T
			return zero, false
		}

		tmr := time.NewTimer(left)
		select {
		case <-f.wake:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// TryNext returns the next element without waiting.
func (f *Fifo[T]) TryNext() (T, bool) { return f.pop() }

// Len returns the number of queued elements.
func (f *Fifo[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.high) + len(f.low)
}

// Close marks the fifo closed. Queued elements remain readable;
// subsequent posts fail with [ErrClosed].
func (f *Fifo[T]) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}
}
