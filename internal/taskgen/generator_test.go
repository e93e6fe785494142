package taskgen

import (
	"math/rand/v2"
	"testing"
	"time"

	"playdelivery/internal/config"
	"playdelivery/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaultConfig() config.TaskGen {
	return config.TaskGen{
		Threshold:       1000,
		ChunkSize:       400,
		MinChunk:        200,
		MaxChunk:        500,
		Horizon:         72 * time.Hour,
		JitterFraction:  0.3,
		TimeCompression: 1,
		MaxAttempts:     3,
	}
}

func newGenerator(cfg config.TaskGen) *Generator {
	return New(cfg,
		WithClock(testclock.NewFakeClock(start)),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	)
}

func collect(g *Generator, order *models.Order) []models.Task {
	var tasks []models.Task
	for task := range g.GenerateTasks(order) {
		tasks = append(tasks, task)
	}
	return tasks
}

func TestGenerator_ShouldUseTaskDelivery(t *testing.T) {
	g := newGenerator(defaultConfig())
	assert.False(t, g.ShouldUseTaskDelivery(1000))
	assert.True(t, g.ShouldUseTaskDelivery(1001))
}

func TestGenerator_Plan(t *testing.T) {
	tests := []struct {
		quantity int64
		want     []int64
	}{
		{800, []int64{400, 400}},
		{1050, []int64{400, 400, 250}},
		{1250, []int64{400, 400, 450}},
		{1350, []int64{400, 400, 275, 275}},
		{300, []int64{300}},
	}
	g := newGenerator(defaultConfig())
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, g.Plan(tt.quantity)); diff != "" {
			t.Errorf("Plan(%d) mismatch (-want +got):\n%s", tt.quantity, diff)
		}
	}
}

func TestGenerator_PlanChunksStayInRange(t *testing.T) {
	cfg := defaultConfig()
	g := newGenerator(cfg)

	for q := cfg.Threshold + 1; q <= 6000; q++ {
		var sum int64
		for _, c := range g.Plan(q) {
			if c < cfg.MinChunk || c > cfg.MaxChunk {
				t.Fatalf("Plan(%d) has chunk %d outside [%d, %d]", q, c, cfg.MinChunk, cfg.MaxChunk)
			}
			sum += c
		}
		if sum != q {
			t.Fatalf("Plan(%d) sums to %d", q, sum)
		}
	}
}

func TestGenerator_ScenarioA(t *testing.T) {
	g := newGenerator(defaultConfig())
	order := &models.Order{ID: "order-a", Quantity: 15_000}

	tasks := collect(g, order)
	require.Len(t, tasks, 38)
	assert.True(t, order.UsesTaskDelivery)

	tokens := make(map[string]bool)
	var sum int64
	horizonEnd := start.Add(72 * time.Hour)
	for i, task := range tasks {
		assert.Equal(t, i, task.SequenceNumber)
		assert.Equal(t, order.ID, task.OrderID)
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Equal(t, 3, task.MaxAttempts)
		assert.Zero(t, task.Attempts)
		assert.False(t, task.ScheduledAt.Before(start))
		assert.True(t, task.ScheduledAt.Before(horizonEnd))
		if i > 0 {
			assert.False(t, task.ScheduledAt.Before(tasks[i-1].ScheduledAt), "task %d scheduled before its predecessor", i)
		}
		tokens[task.IdempotencyToken] = true
		sum += task.Quantity
	}
	assert.Len(t, tokens, 38, "idempotency tokens are unique")
	assert.Equal(t, int64(15_000), sum)
	assert.Equal(t, int64(400), tasks[0].Quantity)
	assert.Equal(t, int64(200), tasks[37].Quantity)
}

func TestGenerator_JitterVariesSpacing(t *testing.T) {
	g := newGenerator(defaultConfig())
	tasks := collect(g, &models.Order{ID: "order-j", Quantity: 8_000})
	require.Len(t, tasks, 20)

	gaps := make(map[time.Duration]bool)
	for i := 1; i < len(tasks); i++ {
		gaps[tasks[i].ScheduledAt.Sub(tasks[i-1].ScheduledAt)] = true
	}
	assert.Greater(t, len(gaps), 1, "spacing must not be uniform")
}

func TestGenerator_TimeCompression(t *testing.T) {
	cfg := defaultConfig()
	cfg.TimeCompression = 0.0625
	g := newGenerator(cfg)

	assert.Equal(t, 4*time.Hour+30*time.Minute, g.Horizon())
	for _, task := range collect(g, &models.Order{ID: "order-c", Quantity: 2_000}) {
		assert.True(t, task.ScheduledAt.Before(start.Add(g.Horizon())))
	}
}

func TestGenerator_StopsWhenConsumerStops(t *testing.T) {
	g := newGenerator(defaultConfig())
	n := 0
	for range g.GenerateTasks(&models.Order{ID: "order-s", Quantity: 15_000}) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}
