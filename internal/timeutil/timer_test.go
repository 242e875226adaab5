package timeutil_test

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/halcyontel/converge/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTimer_FiresOnce(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	tmr := timeutil.AfterFunc(10*time.Millisecond, func() { fired.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times, want 1", got)
	}
	if tmr.Stop() {
		t.Fatalf("Stop() = true after expiry, want false")
	}
}

func TestTimer_StopPreventsCallback(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	tmr := timeutil.AfterFunc(50*time.Millisecond, func() { fired.Add(1) })

	if !tmr.Stop() {
		t.Fatalf("Stop() = false on pending timer, want true")
	}
	time.Sleep(120 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times after Stop, want 0", got)
	}
	// stopping twice reports false
	if tmr.Stop() {
		t.Fatalf("second Stop() = true, want false")
	}
}

func TestTimer_ResetRestarts(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	tmr := timeutil.AfterFunc(20*time.Millisecond, func() { fired.Add(1) })
	tmr.Stop()

	tmr.Reset(30 * time.Millisecond)
	if got, want := tmr.Duration(), 30*time.Millisecond; got != want {
		t.Fatalf("Duration() = %v, want %v", got, want)
	}
	if left := tmr.Left(); left <= 0 || left > 30*time.Millisecond {
		t.Fatalf("Left() = %v, want in (0, 30ms]", left)
	}

	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired %d times after reset, want 1", got)
	}
}

func TestTimer_NilSafe(t *testing.T) {
	t.Parallel()

	var tmr *timeutil.Timer
	if tmr.Stop() {
		t.Fatalf("nil Stop() = true, want false")
	}
	if tmr.Left() != 0 || tmr.Duration() != 0 {
		t.Fatalf("nil accessors not zero")
	}
	tmr.Reset(time.Second)
}
