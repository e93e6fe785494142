package execution

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"playdelivery/internal/models"

	"k8s.io/utils/clock"
)

// SimulatedExecutor stands in for a real delivery backend. Each execution
// waits for latency and then fails with probability failureRate.
type SimulatedExecutor struct {
	clock       clock.Clock
	latency     time.Duration
	failureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Port = (*SimulatedExecutor)(nil)

func NewSimulatedExecutor(clk clock.Clock, latency time.Duration, failureRate float64, rng *rand.Rand) *SimulatedExecutor {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &SimulatedExecutor{clock: clk, latency: latency, failureRate: failureRate, rng: rng}
}

func (e *SimulatedExecutor) Execute(ctx context.Context, task *models.Task, lease *models.Lease) (Result, error) {
	started := e.clock.Now()

	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return Result{ErrorCode: codeFor(ctx.Err()), DurationMs: e.clock.Since(started).Milliseconds()}, ctx.Err()
		case <-e.clock.After(e.latency):
		}
	}

	e.mu.Lock()
	failed := e.rng.Float64() < e.failureRate
	e.mu.Unlock()

	res := Result{Success: !failed, DurationMs: e.clock.Since(started).Milliseconds()}
	if failed {
		res.ErrorCode = CodeSimulated
	}
	return res, nil
}

func codeFor(err error) string {
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	return CodeTimeout
}
