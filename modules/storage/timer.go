package storage

// timer.go implements the one-shot cancellable timer used for order expiry
// and handshake timeouts.

import (
	"sync"
	"time"
)

// A cancellableTimer schedules a callback to run once after a delay unless
// Cancel is invoked first.
type cancellableTimer struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// newCancellableTimer schedules fn to run after d. The callback runs on its
// own goroutine.
func newCancellableTimer(d time.Duration, fn func()) *cancellableTimer {
	ct := new(cancellableTimer)
	ct.timer = time.AfterFunc(d, func() {
		// The callback holds the timer mutex for its whole run, so a Cancel
		// that returns is guaranteed the callback has either been skipped or
		// already completed.
		ct.mu.Lock()
		defer ct.mu.Unlock()
		if ct.cancelled {
			return
		}
		fn()
	})
	return ct
}

// Cancel stops the timer. Cancel is idempotent, and once it returns the
// callback will not run; if the callback is mid-flight, Cancel blocks until
// it completes. Callers must not hold locks the callback acquires.
func (ct *cancellableTimer) Cancel() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.cancelled = true
	ct.timer.Stop()
}
