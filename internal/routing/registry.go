package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"playdelivery/internal/models"
	"playdelivery/internal/quota"
)

// Registry holds sources in registration order. The strategy iterates it;
// nothing else keeps source state.
type Registry struct {
	mu      sync.RWMutex
	sources []Source
	byName  map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Source)}
}

func (r *Registry) Register(s Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[s.Name()]; ok {
		return fmt.Errorf("source %q already registered", s.Name())
	}
	r.sources = append(r.sources, s)
	r.byName[s.Name()] = s
	return nil
}

// Sources returns a snapshot in registration order.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, len(r.sources))
	copy(out, r.sources)
	return out
}

func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byName[name]
	return s, ok
}

// ResetDaily restores every source's full daily quota.
func (r *Registry) ResetDaily(ctx context.Context) error {
	var errs []error
	for _, s := range r.Sources() {
		if err := s.ResetQuota(ctx); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Descriptors returns the current state of every source.
func (r *Registry) Descriptors(ctx context.Context) []models.SourceDescriptor {
	sources := r.Sources()
	out := make([]models.SourceDescriptor, 0, len(sources))
	for _, s := range sources {
		out = append(out, s.Descriptor(ctx))
	}
	return out
}

// NewRegistryFromFleet seeds counter with each descriptor's remaining capacity
// and registers a PoolSource for it.
func NewRegistryFromFleet(ctx context.Context, fleet []models.SourceDescriptor, counter quota.Counter, opts ...PoolOption) (*Registry, error) {
	reg := NewRegistry()
	for _, desc := range fleet {
		if desc.Name == "" {
			return nil, fmt.Errorf("source without a name in fleet")
		}
		if err := counter.Seed(ctx, desc.Name, desc.RemainingCapacityToday); err != nil {
			return nil, err
		}
		if err := reg.Register(NewPoolSource(desc, counter, opts...)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// DefaultFleet is the built-in set of sources, listed in preference order.
func DefaultFleet() []models.SourceDescriptor {
	return []models.SourceDescriptor{
		{
			Name:                   "residential-premium",
			Kind:                   "residential",
			Premium:                true,
			RiskLevel:              0.2,
			CostPer1k:              4.0,
			Enabled:                true,
			SupportedGeos:          []string{"US", "GB", "DE", "FR", "CA"},
			CapacityPerDay:         48_000,
			RemainingCapacityToday: 48_000,
			MaxLeasesPerMinute:     120,
			Endpoints: []models.Endpoint{
				{Handle: "res-us-1", Country: "US"},
				{Handle: "res-gb-1", Country: "GB"},
				{Handle: "res-de-1", Country: "DE"},
			},
		},
		{
			Name:                   "device-farm",
			Kind:                   "mobile",
			Premium:                true,
			RiskLevel:              0.1,
			CostPer1k:              9.0,
			Enabled:                true,
			SupportedGeos:          []string{"US", "GB"},
			CapacityPerDay:         12_000,
			RemainingCapacityToday: 12_000,
			MaxLeasesPerMinute:     30,
			Endpoints: []models.Endpoint{
				{Handle: "farm-us-a", Country: "US"},
				{Handle: "farm-gb-a", Country: "GB"},
			},
		},
		{
			Name:                   "datacenter",
			Kind:                   "datacenter",
			RiskLevel:              0.45,
			CostPer1k:              0.8,
			Enabled:                true,
			SupportedGeos:          []string{GlobalGeo},
			CapacityPerDay:         240_000,
			RemainingCapacityToday: 240_000,
		},
		{
			Name:                   "rotating-residential",
			Kind:                   "residential",
			RiskLevel:              0.6,
			CostPer1k:              1.5,
			Enabled:                true,
			SupportedGeos:          []string{GlobalGeo},
			CapacityPerDay:         480_000,
			RemainingCapacityToday: 480_000,
		},
	}
}

// LoadFleetFile reads a JSON array of source descriptors.
func LoadFleetFile(path string) ([]models.SourceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}
	var fleet []models.SourceDescriptor
	if err := json.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file: %w", err)
	}
	if len(fleet) == 0 {
		return nil, fmt.Errorf("fleet file %s lists no sources", path)
	}
	for i := range fleet {
		if fleet[i].RemainingCapacityToday == 0 {
			fleet[i].RemainingCapacityToday = fleet[i].CapacityPerDay
		}
	}
	return fleet, nil
}
