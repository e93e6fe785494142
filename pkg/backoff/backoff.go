package backoff

import (
	"math"
	"time"
)

// Exponential returns base * 2^(attempt-1), capped at max.
// Attempt numbers start at 1; anything lower is treated as the first attempt.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	f := float64(base) * math.Pow(2, float64(attempt-1))
	if f > float64(max) {
		return max
	}
	return time.Duration(f)
}

// Schedule is a retry delay policy keyed by attempt number.
type Schedule struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultSchedule yields 30s, 60s, 120s for attempts 1, 2, 3.
var DefaultSchedule = Schedule{Base: 30 * time.Second, Max: 120 * time.Second}

// Delay returns the wait before the next attempt after the given failed attempt.
func (s Schedule) Delay(attempt int) time.Duration {
	return Exponential(s.Base, s.Max, attempt)
}
