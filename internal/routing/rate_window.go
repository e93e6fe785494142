package routing

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// rateWindow limits how many leases a source hands out per minute using a
// fixed window that opens on the first lease after the previous one closed.
type rateWindow struct {
	mu sync.Mutex

	clock     clock.PassiveClock
	max       int
	count     int
	windowEnd time.Time
}

func newRateWindow(c clock.PassiveClock, maxPerMinute int) *rateWindow {
	return &rateWindow{clock: c, max: maxPerMinute}
}

// Open reports whether a lease could be taken right now.
func (w *rateWindow) Open() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.clock.Now().After(w.windowEnd) {
		return true
	}
	return w.count < w.max
}

// Reserve takes one slot of the current window.
func (w *rateWindow) Reserve() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if now.After(w.windowEnd) {
		// New or expired window
		w.count = 1
		w.windowEnd = now.Add(time.Minute)
		return true
	}

	if w.count >= w.max {
		return false
	}

	w.count++
	return true
}

// Cancel returns a slot taken by Reserve when the lease was not issued.
func (w *rateWindow) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.count > 0 {
		w.count--
	}
}
