// Package taskgen splits large orders into scheduled delivery tasks.
package taskgen

import (
	"iter"
	"math/rand/v2"
	"sync"
	"time"

	"playdelivery/internal/config"
	"playdelivery/internal/models"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// Generator plans chunks and schedules for task-delivery orders.
type Generator struct {
	cfg      config.TaskGen
	clock    clock.PassiveClock
	newToken func() string

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Generator)

// WithRand makes jitter deterministic.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rng = r }
}

func WithClock(c clock.PassiveClock) Option {
	return func(g *Generator) { g.clock = c }
}

func New(cfg config.TaskGen, opts ...Option) *Generator {
	g := &Generator{
		cfg:      cfg,
		clock:    clock.RealClock{},
		newToken: uuid.NewString,
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ShouldUseTaskDelivery reports whether quantity is above the instant
// delivery threshold.
func (g *Generator) ShouldUseTaskDelivery(quantity int64) bool {
	return quantity > g.cfg.Threshold
}

// Horizon is the configured delivery window after time compression.
func (g *Generator) Horizon() time.Duration {
	return time.Duration(float64(g.cfg.Horizon) * g.cfg.TimeCompression)
}

// Plan partitions quantity into chunk sizes. Every chunk but the last is
// ChunkSize; a remainder below MinChunk is merged into the last full chunk,
// or, when that would exceed MaxChunk, the two are split evenly.
func (g *Generator) Plan(quantity int64) []int64 {
	if quantity <= 0 {
		return nil
	}

	size := min(g.cfg.ChunkSize, g.cfg.MaxChunk)
	if size <= 0 || quantity <= size {
		return []int64{quantity}
	}

	chunks := make([]int64, quantity/size, quantity/size+1)
	for i := range chunks {
		chunks[i] = size
	}

	rem := quantity % size
	switch {
	case rem == 0:
	case rem >= g.cfg.MinChunk:
		chunks = append(chunks, rem)
	case size+rem <= g.cfg.MaxChunk:
		chunks[len(chunks)-1] += rem
	default:
		sum := size + rem
		first := sum / 2
		if first < g.cfg.MinChunk {
			chunks = append(chunks, rem)
			break
		}
		chunks[len(chunks)-1] = first
		chunks = append(chunks, sum-first)
	}
	return chunks
}

// GenerateTasks flags order for task delivery and returns its tasks lazily.
// Task i lands in the i-th of N equal slots across the horizon, offset from
// the slot's midpoint by up to JitterFraction/2 of a slot either way, so
// schedules are non-decreasing and stay inside the horizon.
func (g *Generator) GenerateTasks(order *models.Order) iter.Seq[models.Task] {
	order.UsesTaskDelivery = true

	chunks := g.Plan(order.Quantity)
	start := g.clock.Now()
	slot := float64(g.Horizon()) / float64(max(len(chunks), 1))
	maxAttempts := g.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultMaxAttempts
	}

	return func(yield func(models.Task) bool) {
		for i, q := range chunks {
			offset := (float64(i) + 0.5 + g.jitter()) * slot
			task := models.Task{
				ID:               uuid.NewString(),
				OrderID:          order.ID,
				SequenceNumber:   i,
				Quantity:         q,
				Status:           models.TaskPending,
				MaxAttempts:      maxAttempts,
				IdempotencyToken: g.newToken(),
				ScheduledAt:      start.Add(time.Duration(offset)),
				CreatedAt:        start,
			}
			if !yield(task) {
				return
			}
		}
	}
}

// jitter returns a uniform value in [-JitterFraction/2, JitterFraction/2).
func (g *Generator) jitter() float64 {
	if g.cfg.JitterFraction <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return (g.rng.Float64() - 0.5) * g.cfg.JitterFraction
}
