package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"playdelivery/internal/models"
	"playdelivery/internal/quota"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// ErrSourceExhausted is returned by Acquire when the source could not cover the
// requested units, either because its quota ran out or its rate window is full.
var ErrSourceExhausted = errors.New("source exhausted")

// GlobalGeo in SupportedGeos means a source serves every geography.
const GlobalGeo = "*"

const defaultRiskPenalty = 0.2

// Source is a long-lived provider of delivery capacity.
type Source interface {
	Name() string
	Premium() bool
	CostPer1k() float64
	// Risk is the source's risk level adjusted by its recent failure ratio.
	Risk() float64
	Enabled() bool
	SupportsGeo(geo string) bool
	CapacityPerDay() int64
	Remaining(ctx context.Context) (int64, error)
	// Healthy reports whether recent outcomes are good enough to count the
	// source toward planned throughput.
	Healthy() bool
	// RateOpen reports whether the source's per-minute lease window has room.
	RateOpen() bool
	// Acquire consumes units of daily quota and issues a lease for them.
	Acquire(ctx context.Context, units int64, geo string) (*models.Lease, error)
	// Release records the outcome of a lease.
	Release(ctx context.Context, lease *models.Lease, success bool) error
	// ResetQuota restores the full daily capacity.
	ResetQuota(ctx context.Context) error
	Descriptor(ctx context.Context) models.SourceDescriptor
}

// PoolSource is a Source whose quota lives in a quota.Counter.
type PoolSource struct {
	desc      models.SourceDescriptor
	counter   quota.Counter
	clock     clock.PassiveClock
	health    healthWindow
	window    *rateWindow
	replenish bool
	penalty   float64
	leaseTTL  time.Duration
	next      atomic.Uint64
}

var _ Source = (*PoolSource)(nil)

type PoolOption func(*PoolSource)

func WithClock(c clock.PassiveClock) PoolOption {
	return func(s *PoolSource) { s.clock = c }
}

// WithReplenishOnFailure makes a failed lease return its units to the quota.
func WithReplenishOnFailure(replenish bool) PoolOption {
	return func(s *PoolSource) { s.replenish = replenish }
}

func WithLeaseTTL(ttl time.Duration) PoolOption {
	return func(s *PoolSource) { s.leaseTTL = ttl }
}

// WithRiskPenalty sets how much a full failure ratio adds to the risk level.
func WithRiskPenalty(p float64) PoolOption {
	return func(s *PoolSource) { s.penalty = p }
}

// NewPoolSource builds a source from its descriptor. The counter must already
// hold the source's quota; see NewRegistryFromFleet.
func NewPoolSource(desc models.SourceDescriptor, counter quota.Counter, opts ...PoolOption) *PoolSource {
	s := &PoolSource{
		desc:     desc,
		counter:  counter,
		clock:    clock.RealClock{},
		penalty:  defaultRiskPenalty,
		leaseTTL: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	if desc.MaxLeasesPerMinute > 0 {
		s.window = newRateWindow(s.clock, desc.MaxLeasesPerMinute)
	}
	return s
}

func (s *PoolSource) Name() string          { return s.desc.Name }
func (s *PoolSource) Premium() bool         { return s.desc.Premium }
func (s *PoolSource) CostPer1k() float64    { return s.desc.CostPer1k }
func (s *PoolSource) Enabled() bool         { return s.desc.Enabled }
func (s *PoolSource) CapacityPerDay() int64 { return s.desc.CapacityPerDay }
func (s *PoolSource) Healthy() bool         { return s.health.Healthy() }

func (s *PoolSource) Risk() float64 {
	return s.desc.RiskLevel + s.penalty*s.health.FailureRatio()
}

// SupportsGeo matches geo case-insensitively. An empty geo asks for no
// particular geography and is served by every source.
func (s *PoolSource) SupportsGeo(geo string) bool {
	if geo == "" {
		return true
	}
	return slices.ContainsFunc(s.desc.SupportedGeos, func(g string) bool {
		return g == GlobalGeo || strings.EqualFold(g, geo)
	})
}

func (s *PoolSource) RateOpen() bool {
	return s.window == nil || s.window.Open()
}

func (s *PoolSource) Remaining(ctx context.Context) (int64, error) {
	return s.counter.Remaining(ctx, s.desc.Name)
}

func (s *PoolSource) Acquire(ctx context.Context, units int64, geo string) (*models.Lease, error) {
	if s.window != nil && !s.window.Reserve() {
		return nil, fmt.Errorf("%s: %w: rate window full", s.desc.Name, ErrSourceExhausted)
	}

	ok, err := s.counter.TryConsume(ctx, s.desc.Name, units)
	if err != nil || !ok {
		if s.window != nil {
			s.window.Cancel()
		}
		if err != nil {
			return nil, fmt.Errorf("failed to consume quota of %s: %w", s.desc.Name, err)
		}
		return nil, fmt.Errorf("%s: %w", s.desc.Name, ErrSourceExhausted)
	}

	endpoint, country := s.pickEndpoint(geo)
	return &models.Lease{
		ID:         uuid.NewString(),
		SourceName: s.desc.Name,
		Endpoint:   endpoint,
		Country:    country,
		RiskLevel:  s.Risk(),
		Units:      units,
		TTL:        s.leaseTTL,
		CreatedAt:  s.clock.Now(),
	}, nil
}

// pickEndpoint rotates through the source's endpoints, preferring those in geo.
func (s *PoolSource) pickEndpoint(geo string) (string, string) {
	eps := s.desc.Endpoints
	if geo != "" {
		var local []models.Endpoint
		for _, ep := range eps {
			if strings.EqualFold(ep.Country, geo) {
				local = append(local, ep)
			}
		}
		if len(local) > 0 {
			eps = local
		}
	}
	if len(eps) == 0 {
		return s.desc.Name, geo
	}
	ep := eps[s.next.Add(1)%uint64(len(eps))]
	return ep.Handle, ep.Country
}

// Release feeds the outcome into the health window. Quota is only given back
// for failures, and only when the source replenishes on failure.
func (s *PoolSource) Release(ctx context.Context, lease *models.Lease, success bool) error {
	s.health.Record(success)
	if success || !s.replenish {
		return nil
	}
	if err := s.counter.Restore(ctx, s.desc.Name, lease.Units); err != nil {
		return fmt.Errorf("failed to replenish %s: %w", s.desc.Name, err)
	}
	return nil
}

func (s *PoolSource) ResetQuota(ctx context.Context) error {
	return s.counter.Reset(ctx, s.desc.Name, s.desc.CapacityPerDay)
}

// Descriptor returns the source's current state. A counter read error leaves
// RemainingCapacityToday at zero.
func (s *PoolSource) Descriptor(ctx context.Context) models.SourceDescriptor {
	d := s.desc
	d.SupportedGeos = slices.Clone(s.desc.SupportedGeos)
	d.Endpoints = slices.Clone(s.desc.Endpoints)
	d.RiskLevel = s.Risk()
	d.RemainingCapacityToday, _ = s.Remaining(ctx)
	return d
}
