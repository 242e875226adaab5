// Package timeutil wraps time.Timer with the stop/reset/left bookkeeping
// transaction and session timers need.
package timeutil

import (
	"sync"
	"time"
)

// Timer is a restartable one-shot timer. Unlike a bare time.Timer it
// remembers its duration and start time, so callers can double it on
// retransmit or ask how much is left.
type Timer struct {
	mu       sync.Mutex
	start    time.Time
	duration time.Duration
	stopped  bool
	callback func()
	real     *time.Timer
}

// AfterFunc creates a started timer that runs f when it expires.
// A non-positive duration fires f almost immediately, which mirrors the
// zero-duration timers RFC 3261 prescribes for reliable transports.
func AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{
		start:    time.Now(),
		duration: d,
		callback: f,
	}
	t.real = time.AfterFunc(max(d, 0), t.fire)
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	f := t.callback
	t.mu.Unlock()

	if f != nil {
		f()
	}
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return false
	}
	t.stopped = true
	return t.real.Stop()
}

// Reset restarts the timer with a new duration.
func (t *Timer) Reset(d time.Duration) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.start = time.Now()
	t.duration = d
	t.stopped = false
	t.real.Reset(max(d, 0))
}

// Duration returns the duration the timer was last armed with.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until expiry, zero if already expired.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	left := t.duration - time.Since(t.start)
	if left < 0 || t.stopped {
		return 0
	}
	return left
}
