package routing

import (
	"context"
	"errors"
	"fmt"

	"playdelivery/internal/models"

	"github.com/rs/zerolog"
)

// ErrNoCapacity matches every *NoCapacityError.
var ErrNoCapacity = errors.New("no routing capacity")

// NoCapacityError reports that no source could lease capacity for a task.
type NoCapacityError struct {
	OrderID string
	TaskID  string
	Tier    models.Tier
	Geo     string
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("no routing capacity for task %s of order %s (tier=%s geo=%q)", e.TaskID, e.OrderID, e.Tier, e.Geo)
}

func (e *NoCapacityError) Is(target error) bool {
	return target == ErrNoCapacity
}

// Request describes the lease a task needs.
type Request struct {
	OrderID string
	TaskID  string
	Tier    models.Tier
	Geo     string
	Units   int64
}

// Strategy picks a source for a task and leases capacity from it.
type Strategy interface {
	SelectAndLease(ctx context.Context, req Request) (*models.Lease, error)
	Release(ctx context.Context, lease *models.Lease, success bool) error
}

// HybridStrategy applies the tiered selection rules over a Registry.
//
//   - PREMIUM takes the first eligible premium source in registration order.
//   - ELITE takes the elite source when eligible, else falls back to PREMIUM.
//   - HIGH_VOLUME takes the eligible source with the most remaining capacity.
//   - DEFAULT takes the eligible source with the lowest cost per 1k.
//
// A source is eligible when it is enabled, has at least the requested units
// left, has room in its rate window, supports the geo, and its risk is within
// the tier's tolerance.
type HybridStrategy struct {
	registry    *Registry
	eliteSource string
	leases      *LeaseTracker
	logger      zerolog.Logger
}

var _ Strategy = (*HybridStrategy)(nil)

func NewHybridStrategy(registry *Registry, eliteSource string, leases *LeaseTracker, logger zerolog.Logger) *HybridStrategy {
	return &HybridStrategy{
		registry:    registry,
		eliteSource: eliteSource,
		leases:      leases,
		logger:      logger,
	}
}

type candidate struct {
	src       Source
	remaining int64
}

func (s *HybridStrategy) SelectAndLease(ctx context.Context, req Request) (*models.Lease, error) {
	units := req.Units
	if units <= 0 {
		units = 1
	}

	// A source that loses the quota race between the eligibility read and the
	// consume is dropped and selection runs again over the rest.
	excluded := make(map[string]bool)
	for {
		src := s.pick(req.Tier, s.eligible(ctx, req.Tier, req.Geo, units, excluded))
		if src == nil {
			return nil, &NoCapacityError{OrderID: req.OrderID, TaskID: req.TaskID, Tier: req.Tier, Geo: req.Geo}
		}

		lease, err := src.Acquire(ctx, units, req.Geo)
		if errors.Is(err, ErrSourceExhausted) {
			excluded[src.Name()] = true
			continue
		}
		if err != nil {
			return nil, err
		}

		if s.leases != nil {
			s.leases.Track(lease, src)
		}
		return lease, nil
	}
}

// Release returns a lease to its source. A lease the tracker no longer holds
// has already been released on expiry and is ignored.
func (s *HybridStrategy) Release(ctx context.Context, lease *models.Lease, success bool) error {
	if lease == nil {
		return nil
	}

	var src Source
	if s.leases != nil {
		var ok bool
		if src, ok = s.leases.Take(lease.ID); !ok {
			s.logger.Debug().Str("lease_id", lease.ID).Msg("lease already released")
			return nil
		}
	} else {
		var ok bool
		if src, ok = s.registry.Get(lease.SourceName); !ok {
			return fmt.Errorf("lease %s names unknown source %q", lease.ID, lease.SourceName)
		}
	}
	return src.Release(ctx, lease, success)
}

func (s *HybridStrategy) eligible(ctx context.Context, tier models.Tier, geo string, units int64, excluded map[string]bool) []candidate {
	tolerance := tier.RiskTolerance()

	var out []candidate
	for _, src := range s.registry.Sources() {
		if excluded[src.Name()] || !src.Enabled() || !src.SupportsGeo(geo) || src.Risk() > tolerance || !src.RateOpen() {
			continue
		}
		remaining, err := src.Remaining(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("source", src.Name()).Msg("failed to read source capacity")
			continue
		}
		if remaining < units {
			continue
		}
		out = append(out, candidate{src: src, remaining: remaining})
	}
	return out
}

func (s *HybridStrategy) pick(tier models.Tier, eligible []candidate) Source {
	switch tier {
	case models.TierElite:
		for _, c := range eligible {
			if c.src.Name() == s.eliteSource {
				return c.src
			}
		}
		return firstPremium(eligible)
	case models.TierPremium:
		return firstPremium(eligible)
	case models.TierHighVolume:
		var best *candidate
		for i := range eligible {
			if best == nil || eligible[i].remaining > best.remaining {
				best = &eligible[i]
			}
		}
		if best == nil {
			return nil
		}
		return best.src
	default:
		var best *candidate
		for i := range eligible {
			if best == nil || eligible[i].src.CostPer1k() < best.src.CostPer1k() {
				best = &eligible[i]
			}
		}
		if best == nil {
			return nil
		}
		return best.src
	}
}

func firstPremium(eligible []candidate) Source {
	for _, c := range eligible {
		if c.src.Premium() {
			return c.src
		}
	}
	return nil
}
