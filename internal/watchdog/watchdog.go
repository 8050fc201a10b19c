package watchdog

import (
	"sync"
	"time"
)

// Watchdog fires a callback when it is not signalled within its timeout.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Watchdog struct {
	timeout  time.Duration
	onExpire func()

	mu           sync.Mutex
	timer        *time.Timer
	deadline     time.Time
	lastSignaled time.Time
	fired        bool
	stopped      bool
}

// New creates a watchdog and arms it immediately: onExpire runs once if
// Signal is not called within timeout.
//
// Parameters:
//   - timeout: Maximum allowed gap between signals
//   - onExpire: Called at most once, on a timer goroutine
func New(timeout time.Duration, onExpire func()) *Watchdog {
	w := &Watchdog{
		timeout:  timeout,
		onExpire: onExpire,
	}
	w.mu.Lock()
	w.deadline = time.Now().Add(timeout)
	w.timer = time.AfterFunc(timeout, w.expire)
	w.mu.Unlock()
	return w
}

// Signal proves liveness: it moves the deadline to now + timeout.
// Signalling an expired watchdog has no effect.
func (w *Watchdog) Signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired || w.stopped {
		return
	}
	now := time.Now()
	w.lastSignaled = now
	w.deadline = now.Add(w.timeout)
	w.timer.Reset(w.timeout)
}

// expire runs on the timer goroutine. A Reset racing with an already
// scheduled fire is caught by re-checking the deadline.
func (w *Watchdog) expire() {
	w.mu.Lock()
	if w.fired || w.stopped {
		w.mu.Unlock()
		return
	}
	if remaining := time.Until(w.deadline); remaining > 0 {
		w.timer.Reset(remaining)
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()

	w.onExpire()
}

// Stop disarms the watchdog without firing it.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// Timeout returns the configured timeout.
func (w *Watchdog) Timeout() time.Duration {
	return w.timeout
}

// Deadline returns the time at which the watchdog fires if not signalled.
func (w *Watchdog) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline
}

// LastSignaled returns the time of the most recent Signal, or the zero
// time if the watchdog has never been signalled.
func (w *Watchdog) LastSignaled() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSignaled
}

// Expired reports whether the expiry callback has run.
func (w *Watchdog) Expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
