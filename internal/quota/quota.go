// Package quota holds the daily capacity counters of routing sources.
//
// A counter is the single shared mutable register behind a source's
// remainingCapacityToday. Consumption is one atomic check-and-decrement, so
// concurrent leases never drive a counter below zero.
package quota

import (
	"context"
	"errors"
)

var ErrUnknownSource = errors.New("unknown quota source")

// Counter is an atomic per-source capacity register.
type Counter interface {
	// Remaining returns the units left for name.
	Remaining(ctx context.Context, name string) (int64, error)
	// TryConsume takes n units if at least n remain. It reports false, without
	// changing the counter, when fewer than n remain.
	TryConsume(ctx context.Context, name string, n int64) (bool, error)
	// Restore gives n units back to name.
	Restore(ctx context.Context, name string, n int64) error
	// Reset sets the remaining units for name, registering it if needed.
	Reset(ctx context.Context, name string, capacity int64) error
	// Seed registers name with capacity unless it is already registered.
	Seed(ctx context.Context, name string, capacity int64) error
}
