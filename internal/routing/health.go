package routing

import "sync"

const (
	healthWindowSize = 50
	// minHealthSamples is the number of outcomes needed before a source can
	// be judged unhealthy.
	minHealthSamples = 5
	// unhealthyRatio is the failure ratio at which a source stops counting
	// toward admission throughput.
	unhealthyRatio = 0.5
)

// healthWindow is a ring of the most recent lease outcomes of one source.
type healthWindow struct {
	mu       sync.Mutex
	outcomes [healthWindowSize]bool
	next     int
	filled   int
	failures int
}

func (h *healthWindow) Record(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.filled == healthWindowSize {
		if !h.outcomes[h.next] {
			h.failures--
		}
	} else {
		h.filled++
	}
	h.outcomes[h.next] = success
	if !success {
		h.failures++
	}
	h.next = (h.next + 1) % healthWindowSize
}

// FailureRatio is the share of failures in the window, zero while empty.
func (h *healthWindow) FailureRatio() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.filled == 0 {
		return 0
	}
	return float64(h.failures) / float64(h.filled)
}

func (h *healthWindow) Healthy() bool {
	h.mu.Lock()
	filled, failures := h.filled, h.failures
	h.mu.Unlock()

	if filled < minHealthSamples {
		return true
	}
	return float64(failures)/float64(filled) < unhealthyRatio
}
