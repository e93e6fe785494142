package execution

import (
	"math/rand/v2"
	"slices"
	"sync"
)

// ChaosGate is a SafetyGate whose switches can be flipped at runtime.
type ChaosGate struct {
	mu          sync.RWMutex
	paused      bool
	banned      map[string]bool
	failureRate float64
	rng         *rand.Rand
}

var _ SafetyGate = (*ChaosGate)(nil)

func NewChaosGate(rng *rand.Rand) *ChaosGate {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &ChaosGate{banned: make(map[string]bool), rng: rng}
}

// ChaosState is a snapshot of the gate's switches
type ChaosState struct {
	Paused        bool     `json:"paused"`
	BannedSources []string `json:"banned_sources"`
	FailureRate   float64  `json:"failure_rate"`
}

func (g *ChaosGate) State() ChaosState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	banned := make([]string, 0, len(g.banned))
	for name := range g.banned {
		banned = append(banned, name)
	}
	slices.Sort(banned)
	return ChaosState{Paused: g.paused, BannedSources: banned, FailureRate: g.failureRate}
}

func (g *ChaosGate) SetPaused(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = paused
}

func (g *ChaosGate) Ban(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.banned[source] = true
}

func (g *ChaosGate) Unban(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.banned, source)
}

// SetFailureRate sets the probability, in [0, 1], of injecting a failure.
func (g *ChaosGate) SetFailureRate(rate float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failureRate = min(max(rate, 0), 1)
}

func (g *ChaosGate) IsPauseRequested() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.paused
}

func (g *ChaosGate) IsBanned(source string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.banned[source]
}

func (g *ChaosGate) ShouldInjectFailure() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failureRate <= 0 {
		return false
	}
	return g.rng.Float64() < g.failureRate
}
