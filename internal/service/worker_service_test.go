package service

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"playdelivery/internal/config"
	"playdelivery/internal/events"
	"playdelivery/internal/execution"
	"playdelivery/internal/metrics"
	"playdelivery/internal/models"
	"playdelivery/internal/quota"
	"playdelivery/internal/repository"
	"playdelivery/internal/routing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

var workerEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testWorkerConfig() config.Worker {
	return config.Worker{
		ID:               "worker-test",
		Interval:         10 * time.Second,
		BatchSize:        20,
		Concurrency:      4,
		OrphanThreshold:  120 * time.Second,
		ExecutionTimeout: 5 * time.Second,
		RetryBase:        30 * time.Second,
		RetryMax:         120 * time.Second,
	}
}

func newWorkerRepository(t *testing.T) *repository.SQLiteRepository {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "plays.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// seedTaskOrder stores an order of n tasks of perTask plays, all due at workerEpoch.
func seedTaskOrder(t *testing.T, repo repository.Repository, n int, perTask int64, price models.Money) *models.Order {
	t.Helper()
	return seedTaskOrderAt(t, repo, n, perTask, price, workerEpoch)
}

func seedTaskOrderAt(t *testing.T, repo repository.Repository, n int, perTask int64, price models.Money, due time.Time) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:               uuid.NewString(),
		Quantity:         int64(n) * perTask,
		Status:           models.OrderPending,
		UsesTaskDelivery: true,
		Tier:             models.TierDefault,
		PricePerUnit:     price,
		TotalCost:        price.Times(int64(n) * perTask),
		CreatedAt:        workerEpoch,
	}
	tasks := make([]models.Task, n)
	for i := range tasks {
		tasks[i] = models.Task{
			ID:               uuid.NewString(),
			OrderID:          order.ID,
			SequenceNumber:   i,
			Quantity:         perTask,
			Status:           models.TaskPending,
			MaxAttempts:      models.DefaultMaxAttempts,
			IdempotencyToken: uuid.NewString(),
			ScheduledAt:      due,
			CreatedAt:        workerEpoch,
		}
	}
	_, err := repo.CreateOrderWithTasks(context.Background(), order, slices.Values(tasks))
	require.NoError(t, err)
	return order
}

// stubStrategy leases from a single fake source, or fails with err.
type stubStrategy struct {
	mu       sync.Mutex
	err      error
	released map[bool]int
}

func (s *stubStrategy) SelectAndLease(ctx context.Context, req routing.Request) (*models.Lease, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Lease{ID: uuid.NewString(), SourceName: "stub", Units: req.Units, TTL: time.Minute}, nil
}

func (s *stubStrategy) Release(ctx context.Context, lease *models.Lease, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released == nil {
		s.released = make(map[bool]int)
	}
	s.released[success]++
	return nil
}

// blockingStrategy has no capacity for one order and leases for every other.
type blockingStrategy struct {
	stubStrategy
	blocked string
}

func (s *blockingStrategy) SelectAndLease(ctx context.Context, req routing.Request) (*models.Lease, error) {
	if req.OrderID == s.blocked {
		return nil, &routing.NoCapacityError{Tier: req.Tier}
	}
	return s.stubStrategy.SelectAndLease(ctx, req)
}

// cancelingStrategy cancels the tick while leasing, as a shutdown signal would.
type cancelingStrategy struct {
	stubStrategy
	cancel context.CancelFunc
}

func (s *cancelingStrategy) SelectAndLease(ctx context.Context, req routing.Request) (*models.Lease, error) {
	s.cancel()
	return nil, ctx.Err()
}

// funcExecutor adapts a function to the execution port.
type funcExecutor struct {
	calls atomic.Int64
	fn    func(ctx context.Context, task *models.Task) (execution.Result, error)
}

func (e *funcExecutor) Execute(ctx context.Context, task *models.Task, lease *models.Lease) (execution.Result, error) {
	e.calls.Add(1)
	return e.fn(ctx, task)
}

func succeeding() *funcExecutor {
	return &funcExecutor{fn: func(context.Context, *models.Task) (execution.Result, error) {
		return execution.Result{Success: true, DurationMs: 5}, nil
	}}
}

func failing(code string) *funcExecutor {
	return &funcExecutor{fn: func(context.Context, *models.Task) (execution.Result, error) {
		return execution.Result{ErrorCode: code}, nil
	}}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu          sync.Mutex
	refunds     []events.RefundEvent
	deadLetters []events.DeadLetterEvent
}

func (p *recordingPublisher) PublishRefund(ctx context.Context, ev events.RefundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, ev)
	return nil
}

func (p *recordingPublisher) PublishDeadLetter(ctx context.Context, ev events.DeadLetterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type workerFixture struct {
	repo      *repository.SQLiteRepository
	clock     *testclock.FakeClock
	metrics   *metrics.Metrics
	publisher *recordingPublisher
}

func newWorkerFixture(t *testing.T) *workerFixture {
	return &workerFixture{
		repo:      newWorkerRepository(t),
		clock:     testclock.NewFakeClock(workerEpoch),
		metrics:   metrics.NewMetrics(),
		publisher: &recordingPublisher{},
	}
}

func (f *workerFixture) worker(cfg config.Worker, strategy routing.Strategy, executor execution.Port, opts ...WorkerOption) *WorkerService {
	opts = append([]WorkerOption{
		WithClock(f.clock),
		WithPublisher(f.publisher),
		WithLogger(zerolog.Nop()),
	}, opts...)
	return NewWorkerService(cfg, f.repo, strategy, executor, f.metrics, opts...)
}

func TestWorker_CompletesOrderThroughRouting(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 5, 400, 2_500)

	counter := quota.NewMemoryCounter()
	registry, err := routing.NewRegistryFromFleet(ctx, routing.DefaultFleet(), counter, routing.WithClock(f.clock))
	require.NoError(t, err)
	strategy := routing.NewHybridStrategy(registry, "device-farm", nil, zerolog.Nop())

	w := f.worker(testWorkerConfig(), strategy, succeeding())
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Claimed)
	assert.Equal(t, 5, res.Completed)

	stored, err := f.repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, stored.Status)
	assert.Equal(t, int64(2000), stored.Delivered)

	tasks, err := f.repo.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskCompleted, task.Status)
		assert.Equal(t, "datacenter", task.AssignedSourceID)
	}

	remaining, err := counter.Remaining(ctx, "datacenter")
	require.NoError(t, err)
	assert.Equal(t, int64(240000-2000), remaining)
	assert.Equal(t, int64(5), f.metrics.GetSnapshot()["completed"])
	assert.Empty(t, f.publisher.refunds)
}

func TestWorker_RetriesThenDeadLetters(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 1, 400, 2_500)
	strategy := &stubStrategy{}
	w := f.worker(testWorkerConfig(), strategy, failing(execution.CodeSimulated))

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	tasks, err := f.repo.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskFailedRetrying, tasks[0].Status)
	require.NotNil(t, tasks[0].RetryAfter)
	assert.True(t, tasks[0].RetryAfter.Equal(workerEpoch.Add(30*time.Second)))

	// Not due yet.
	f.clock.Step(29 * time.Second)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	f.clock.Step(time.Second)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)
	tasks, err = f.repo.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, tasks[0].RetryAfter.Equal(workerEpoch.Add(90*time.Second)))

	f.clock.Step(60 * time.Second)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	stored, err := f.repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPartialRefund, stored.Status)
	assert.Equal(t, int64(400), stored.FailedPermanentPlays)
	assert.Equal(t, models.Money(1_000_000), stored.RefundedAmount)

	require.Len(t, f.publisher.refunds, 1)
	assert.Equal(t, models.Money(1_000_000), f.publisher.refunds[0].Amount)
	require.Len(t, f.publisher.deadLetters, 1)
	assert.Equal(t, 3, f.publisher.deadLetters[0].Attempts)
	assert.Equal(t, execution.CodeSimulated, f.publisher.deadLetters[0].FailureReason)

	letters, err := f.repo.ListDeadLetters(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, letters, 1)

	// Nothing left to claim or refund.
	f.clock.Step(10 * time.Minute)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)
	assert.Len(t, f.publisher.refunds, 1)
	assert.Equal(t, 3, strategy.released[false])
}

func TestWorker_NoCapacityReleasesWithoutConsumingAttempt(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 2, 400, 0)
	exec := succeeding()
	strategy := &stubStrategy{err: &routing.NoCapacityError{Tier: models.TierDefault}}
	w := f.worker(testWorkerConfig(), strategy, exec)

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 2, res.Released)
	assert.Zero(t, exec.calls.Load())

	tasks, err := f.repo.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Zero(t, task.Attempts)
		assert.Empty(t, task.WorkerID)
		require.NotNil(t, task.DeferredUntil)
		assert.True(t, task.DeferredUntil.Equal(workerEpoch.Add(10*time.Second)))
	}
	assert.Equal(t, int64(2), f.metrics.GetSnapshot()["no_capacity"])
	assert.Zero(t, f.metrics.GetSnapshot()["failed"])

	// Capacity returns, but the released tasks wait out one interval.
	strategy.err = nil
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	f.clock.Step(10 * time.Second)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Completed)
}

func TestWorker_BlockedTasksDoNotStarveLaterTasks(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	blocked := seedTaskOrderAt(t, f.repo, 2, 400, 0, workerEpoch.Add(-time.Minute))
	servable := seedTaskOrder(t, f.repo, 1, 400, 0)

	cfg := testWorkerConfig()
	cfg.BatchSize = 2
	w := f.worker(cfg, &blockingStrategy{blocked: blocked.ID}, succeeding())

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)

	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 1, res.Completed)

	got, err := f.repo.GetOrder(ctx, servable.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, got.Status)
	assert.Equal(t, int64(400), got.Delivered)

	// The blocked order stays eligible and never spends an attempt.
	f.clock.Step(cfg.Interval)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)

	tasks, err := f.repo.ListTasksByOrder(ctx, blocked.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, models.TaskPending, task.Status)
		assert.Zero(t, task.Attempts)
	}
}

func TestWorker_StrategyErrorConsumesAttempt(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 1, 400, 0)
	w := f.worker(testWorkerConfig(), &stubStrategy{err: errors.New("redis down")}, succeeding())

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	tasks, err := f.repo.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, tasks[0].Attempts)
	assert.Contains(t, tasks[0].LastError, "redis down")
}

func TestWorker_RecoversOrphans(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 1, 400, 2_500)

	claimed, err := f.repo.ClaimDueTasks(ctx, "worker-gone", workerEpoch, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	w := f.worker(testWorkerConfig(), &stubStrategy{}, succeeding())

	f.clock.Step(120 * time.Second)
	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.OrphansRecovered, "exactly at the threshold is not yet orphaned")

	f.clock.Step(time.Second)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrphansRecovered)
	assert.Equal(t, 0, res.Claimed)

	task, err := f.repo.GetTask(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailedRetrying, task.Status)
	assert.Equal(t, 1, task.Attempts)

	// The late result of the vanished worker is dropped.
	late, err := f.repo.CompleteTask(ctx, claimed[0], f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, repository.OutcomeNoop, late.Outcome)

	f.clock.Step(30 * time.Second)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	stored, err := f.repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, stored.Status)
	assert.Equal(t, int64(400), stored.Delivered)
	assert.Equal(t, int64(1), f.metrics.GetSnapshot()["orphans_recovered"])
}

func TestWorker_PauseSkipsClaims(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 1, 400, 0)
	gate := execution.NewChaosGate(nil)
	gate.SetPaused(true)
	w := f.worker(testWorkerConfig(), &stubStrategy{}, succeeding(), WithGate(gate))

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.Equal(t, 0, res.Claimed)

	counts, err := f.repo.TaskStatusCounts(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskPending])

	gate.SetPaused(false)
	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
}

func TestWorker_SafetyGateFailures(t *testing.T) {
	tests := []struct {
		name string
		gate func(*execution.ChaosGate)
		code string
	}{
		{name: "banned source", gate: func(g *execution.ChaosGate) { g.Ban("stub") }, code: execution.CodeSourceBanned},
		{name: "injected failure", gate: func(g *execution.ChaosGate) { g.SetFailureRate(1) }, code: execution.CodeInjectedFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newWorkerFixture(t)
			ctx := context.Background()
			order := seedTaskOrder(t, f.repo, 1, 400, 0)
			gate := execution.NewChaosGate(nil)
			tt.gate(gate)
			exec := succeeding()
			strategy := &stubStrategy{}
			w := f.worker(testWorkerConfig(), strategy, exec, WithGate(gate))

			res, err := w.Tick(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Retried)
			assert.Zero(t, exec.calls.Load())
			assert.Equal(t, 1, strategy.released[false])

			tasks, err := f.repo.ListTasksByOrder(ctx, order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.code, tasks[0].LastError)
			assert.Equal(t, "stub", tasks[0].AssignedSourceID)
		})
	}
}

func TestWorker_ExecutionTimeout(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 1, 400, 0)

	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	exec := &funcExecutor{fn: func(context.Context, *models.Task) (execution.Result, error) {
		<-stuck
		return execution.Result{Success: true}, nil
	}}

	cfg := testWorkerConfig()
	cfg.ExecutionTimeout = 50 * time.Millisecond
	w := f.worker(cfg, &stubStrategy{}, exec)

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	tasks, err := f.repo.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tasks[0].LastError, execution.CodeTimeout), tasks[0].LastError)
}

func TestWorker_ShutdownLetsExecutionFinish(t *testing.T) {
	f := newWorkerFixture(t)
	order := seedTaskOrder(t, f.repo, 1, 400, 0)

	var delivered atomic.Int64
	exec := &funcExecutor{fn: func(ctx context.Context, task *models.Task) (execution.Result, error) {
		select {
		case <-time.After(100 * time.Millisecond):
			delivered.Add(task.Quantity)
			return execution.Result{Success: true}, nil
		case <-ctx.Done():
			return execution.Result{}, ctx.Err()
		}
	}}
	w := f.worker(testWorkerConfig(), &stubStrategy{}, exec)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	defer cancel()

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, res.Retried)
	assert.Equal(t, int64(400), delivered.Load())

	tasks, err := f.repo.ListTasksByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, tasks[0].Status)
	assert.Zero(t, tasks[0].Attempts)
}

func TestWorker_ShutdownBeforeLeaseReleasesTask(t *testing.T) {
	f := newWorkerFixture(t)
	order := seedTaskOrder(t, f.repo, 1, 400, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	strategy := &cancelingStrategy{cancel: cancel}
	exec := succeeding()
	w := f.worker(testWorkerConfig(), strategy, exec)

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Zero(t, exec.calls.Load())

	tasks, err := f.repo.ListTasksByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, tasks[0].Status)
	assert.Zero(t, tasks[0].Attempts)
	assert.Zero(t, f.metrics.GetSnapshot()["no_capacity"])
}

func TestWorker_ExecutorPanic(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	order := seedTaskOrder(t, f.repo, 2, 400, 0)

	var once sync.Once
	exec := &funcExecutor{fn: func(context.Context, *models.Task) (execution.Result, error) {
		panicked := false
		once.Do(func() { panicked = true })
		if panicked {
			panic("backend exploded")
		}
		return execution.Result{Success: true}, nil
	}}
	w := f.worker(testWorkerConfig(), &stubStrategy{}, exec)

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, res.Retried)

	counts, err := f.repo.TaskStatusCounts(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.TaskCompleted])
	assert.Equal(t, 1, counts[models.TaskFailedRetrying])

	tasks, err := f.repo.ListTasksByOrder(ctx, order.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.Status == models.TaskFailedRetrying {
			assert.True(t, strings.HasPrefix(task.LastError, execution.CodePanic), task.LastError)
		}
	}
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	seedTaskOrder(t, f.repo, 8, 400, 0)

	var inFlight, peak atomic.Int64
	exec := &funcExecutor{fn: func(context.Context, *models.Task) (execution.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return execution.Result{Success: true}, nil
	}}

	cfg := testWorkerConfig()
	cfg.Concurrency = 2
	w := f.worker(cfg, &stubStrategy{}, exec)

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, res.Completed)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestWorker_BatchSizeLimitsClaims(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()
	seedTaskOrder(t, f.repo, 5, 400, 0)

	cfg := testWorkerConfig()
	cfg.BatchSize = 3
	w := f.worker(cfg, &stubStrategy{}, succeeding())

	res, err := w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)

	res, err = w.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	f := newWorkerFixture(t)
	order := seedTaskOrder(t, f.repo, 1, 400, 0)
	w := f.worker(testWorkerConfig(), &stubStrategy{}, succeeding())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		o, err := f.repo.GetOrder(context.Background(), order.ID)
		return err == nil && o.Status == models.OrderCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewWorkerService_GeneratesID(t *testing.T) {
	cfg := testWorkerConfig()
	cfg.ID = ""
	w := NewWorkerService(cfg, nil, &stubStrategy{}, succeeding(), metrics.NewMetrics())
	assert.True(t, strings.HasPrefix(w.ID(), "worker-"))
	assert.Len(t, w.ID(), len("worker-")+8)
}
