package models

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the routing priority of an order
type Tier string

const (
	TierPremium    Tier = "PREMIUM"
	TierElite      Tier = "ELITE"
	TierHighVolume Tier = "HIGH_VOLUME"
	TierDefault    Tier = "DEFAULT"
)

// ParseTier accepts a tier name in any case. An empty name is DEFAULT.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToUpper(strings.TrimSpace(s))); t {
	case "":
		return TierDefault, nil
	case TierPremium, TierElite, TierHighVolume, TierDefault:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

// RiskTolerance is the highest source risk level the tier accepts.
func (t Tier) RiskTolerance() float64 {
	switch t {
	case TierElite:
		return 0.25
	case TierPremium:
		return 0.35
	case TierHighVolume:
		return 0.7
	default:
		return 0.5
	}
}

// Endpoint is an opaque egress handle owned by a source
type Endpoint struct {
	Handle  string `json:"handle"`
	Country string `json:"country"`
}

// SourceDescriptor describes a long-lived routing source
type SourceDescriptor struct {
	Name                   string     `json:"name"`
	Kind                   string     `json:"kind"`
	Premium                bool       `json:"premium"`
	RiskLevel              float64    `json:"risk_level"`
	CostPer1k              float64    `json:"cost_per_1k"`
	Enabled                bool       `json:"enabled"`
	SupportedGeos          []string   `json:"supported_geos"`
	CapacityPerDay         int64      `json:"capacity_per_day"`
	RemainingCapacityToday int64      `json:"remaining_capacity_today"`
	MaxLeasesPerMinute     int        `json:"max_leases_per_minute,omitempty"`
	Endpoints              []Endpoint `json:"endpoints,omitempty"`
}

// Lease is a claim on a source's capacity for one task execution
type Lease struct {
	ID         string        `json:"id"`
	SourceName string        `json:"source_name"`
	Endpoint   string        `json:"endpoint"`
	Country    string        `json:"country"`
	RiskLevel  float64       `json:"risk_level"`
	Units      int64         `json:"units"`
	TTL        time.Duration `json:"ttl"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ExpiresAt is the instant after which the lease is considered abandoned.
func (l *Lease) ExpiresAt() time.Time {
	return l.CreatedAt.Add(l.TTL)
}
