// Package admission decides whether a new order fits the fleet's planned
// throughput. It is a soft gate evaluated once at order creation; the worker
// enforces the real limit per task through routing's NoCapacity.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playdelivery/internal/routing"

	"k8s.io/utils/clock"
)

// PlanningHorizon is the window admission plans capacity over.
const PlanningHorizon = 72 * time.Hour

var ErrInvalidQuantity = errors.New("quantity must be positive")

// ErrRejected matches every *RejectionError.
var ErrRejected = errors.New("order rejected by admission control")

// RejectionError carries the figures behind a rejected order.
type RejectionError struct {
	Quantity  int64
	Available int64
	Reason    string
}

func (e *RejectionError) Error() string {
	return e.Reason
}

func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// Decision is the outcome of CanAccept.
type Decision struct {
	Accepted              bool      `json:"accepted"`
	RejectionReason       string    `json:"rejection_reason,omitempty"`
	EstimatedCompletionAt time.Time `json:"estimated_completion_at,omitzero"`
	PendingPlays          int64     `json:"pending_plays"`
	AvailableCapacity72h  int64     `json:"available_capacity_72h"`
	PlaysPerHour          float64   `json:"plays_per_hour"`
}

// Err returns the decision as a *RejectionError, or nil when accepted.
func (d *Decision) Err(quantity int64) error {
	if d.Accepted {
		return nil
	}
	return &RejectionError{Quantity: quantity, Available: d.AvailableCapacity72h, Reason: d.RejectionReason}
}

// PendingCounter reports plays still owed to open orders.
type PendingCounter interface {
	PendingPlays(ctx context.Context) (int64, error)
}

// CapacityService implements admission control over a source registry.
type CapacityService struct {
	registry *routing.Registry
	pending  PendingCounter
	clock    clock.PassiveClock
}

func NewCapacityService(registry *routing.Registry, pending PendingCounter, clk clock.PassiveClock) *CapacityService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CapacityService{registry: registry, pending: pending, clock: clk}
}

// PlaysPerHour is the hourly throughput of enabled, healthy sources, derived
// from their daily capacity.
func (s *CapacityService) PlaysPerHour() float64 {
	var perDay int64
	for _, src := range s.registry.Sources() {
		if src.Enabled() && src.Healthy() {
			perDay += src.CapacityPerDay()
		}
	}
	return float64(perDay) / 24
}

// CanAccept evaluates quantity against the planned 72h capacity minus what
// open orders still need.
func (s *CapacityService) CanAccept(ctx context.Context, quantity int64) (*Decision, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	pending, err := s.pending.PendingPlays(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending plays: %w", err)
	}

	perHour := s.PlaysPerHour()
	max72h := int64(perHour * PlanningHorizon.Hours())
	available := max72h - pending

	d := &Decision{
		PendingPlays:         pending,
		AvailableCapacity72h: available,
		PlaysPerHour:         perHour,
	}

	switch {
	case perHour <= 0:
		d.RejectionReason = "no enabled, healthy routing sources"
		return d, nil
	case quantity > available:
		d.RejectionReason = fmt.Sprintf("requested %d plays exceeds available 72h capacity of %d plays (%d pending)",
			quantity, max(available, 0), pending)
		return d, nil
	}

	eta := time.Duration(float64(quantity) / perHour * float64(time.Hour))
	d.Accepted = true
	d.EstimatedCompletionAt = s.clock.Now().Add(min(eta, PlanningHorizon))
	return d, nil
}
