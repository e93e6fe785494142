package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"playdelivery/internal/config"
	"playdelivery/internal/events"
	"playdelivery/internal/execution"
	"playdelivery/internal/metrics"
	"playdelivery/internal/models"
	"playdelivery/internal/repository"
	"playdelivery/internal/routing"
	"playdelivery/pkg/backoff"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// TickResult summarizes one worker tick
type TickResult struct {
	mu sync.Mutex

	Paused           bool `json:"paused"`
	OrphansRecovered int  `json:"orphans_recovered"`
	Claimed          int  `json:"claimed"`
	Completed        int  `json:"completed"`
	Retried          int  `json:"retried"`
	DeadLettered     int  `json:"dead_lettered"`
	Released         int  `json:"released"`
	Dropped          int  `json:"dropped"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeRetried
	outcomeDeadLettered
	outcomeReleased
	// outcomeDropped means the resolve did not apply: the claim was lost or
	// the store write failed. The orphan sweep settles such tasks.
	outcomeDropped
)

func (r *TickResult) add(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch o {
	case outcomeCompleted:
		r.Completed++
	case outcomeRetried:
		r.Retried++
	case outcomeDeadLettered:
		r.DeadLettered++
	case outcomeReleased:
		r.Released++
	default:
		r.Dropped++
	}
}

// WorkerService is the delivery worker. Each tick sweeps orphans, claims due
// tasks, and dispatches them concurrently up to the configured limit.
type WorkerService struct {
	cfg       config.Worker
	repo      repository.Repository
	strategy  routing.Strategy
	executor  execution.Port
	gate      execution.SafetyGate
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     clock.WithTicker
	retry     backoff.Schedule
	logger    zerolog.Logger
}

type WorkerOption func(*WorkerService)

func WithGate(g execution.SafetyGate) WorkerOption {
	return func(s *WorkerService) { s.gate = g }
}

func WithPublisher(p events.Publisher) WorkerOption {
	return func(s *WorkerService) { s.publisher = p }
}

func WithClock(c clock.WithTicker) WorkerOption {
	return func(s *WorkerService) { s.clock = c }
}

func WithLogger(l zerolog.Logger) WorkerOption {
	return func(s *WorkerService) { s.logger = l }
}

// NewWorkerService creates a new worker service
func NewWorkerService(cfg config.Worker, repo repository.Repository, strategy routing.Strategy, executor execution.Port, metrics *metrics.Metrics, opts ...WorkerOption) *WorkerService {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.NewString()[:8]
	}
	s := &WorkerService{
		cfg:      cfg,
		repo:     repo,
		strategy: strategy,
		executor: executor,
		gate:     execution.NopGate{},
		metrics:  metrics,
		clock:    clock.RealClock{},
		retry:    backoff.Schedule{Base: cfg.RetryBase, Max: cfg.RetryMax},
		logger:   zerolog.Nop(),
	}
	if s.retry.Base <= 0 || s.retry.Max <= 0 {
		s.retry = backoff.DefaultSchedule
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.publisher == nil {
		s.publisher = events.NewLogPublisher(s.logger)
	}
	s.logger = s.logger.With().Str("worker_id", cfg.ID).Logger()
	return s
}

// ID returns the identity the worker claims tasks under
func (s *WorkerService) ID() string {
	return s.cfg.ID
}

// Run ticks immediately and then on every interval until ctx is done
func (s *WorkerService) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Int("concurrency", s.cfg.Concurrency).
		Msg("worker started")

	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("tick failed")
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("worker stopped")
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Tick runs one sweep, claim and dispatch cycle. It returns once every
// claimed task is resolved or has timed out.
func (s *WorkerService) Tick(ctx context.Context) (*TickResult, error) {
	started := s.clock.Now()
	s.metrics.IncrementTicks()
	defer func() { s.metrics.ObserveTick(s.clock.Since(started).Seconds()) }()

	res := &TickResult{}
	res.OrphansRecovered = s.sweepOrphans(ctx, started)

	if s.gate.IsPauseRequested() {
		res.Paused = true
		s.logger.Info().Msg("pause requested, skipping claim")
		return res, nil
	}

	claimed, err := s.repo.ClaimDueTasks(ctx, s.cfg.ID, started, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to claim tasks: %w", err)
	}
	res.Claimed = len(claimed)
	if len(claimed) == 0 {
		return res, nil
	}
	s.logger.Debug().Int("claimed", len(claimed)).Msg("tasks claimed")

	orders := s.loadOrders(ctx, claimed)

	var g errgroup.Group
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, task := range claimed {
		g.Go(func() error {
			res.add(s.dispatch(ctx, task, orders[task.OrderID]))
			return nil
		})
	}
	_ = g.Wait()

	return res, nil
}

func (s *WorkerService) sweepOrphans(ctx context.Context, now time.Time) int {
	recovered, err := s.repo.RecoverOrphans(ctx, now, s.cfg.OrphanThreshold, s.retry.Delay)
	if err != nil {
		s.logger.Error().Err(err).Msg("orphan sweep failed")
		return 0
	}

	for _, rec := range recovered {
		logger := s.logger.With().
			Str("task_id", rec.Task.ID).
			Str("order_id", rec.Task.OrderID).
			Str("previous_worker_id", rec.PreviousWorkerID).
			Logger()
		logger.Warn().Int("attempts", rec.Task.Attempts).Msg("orphaned task reclaimed")
		if rec.Outcome == repository.OutcomeDeadLettered {
			s.metrics.IncrementDeadLettered()
			s.publishDeadLetter(ctx, logger, &rec.Resolution)
		}
	}
	s.metrics.AddOrphansRecovered(len(recovered))
	return len(recovered)
}

// loadOrders fetches the routing profile of every order in the batch. A
// missing entry is resolved as a failed dispatch.
func (s *WorkerService) loadOrders(ctx context.Context, tasks []*models.Task) map[string]*models.Order {
	orders := make(map[string]*models.Order)
	for _, t := range tasks {
		if _, ok := orders[t.OrderID]; ok {
			continue
		}
		o, err := s.repo.GetOrder(ctx, t.OrderID)
		if err != nil {
			s.logger.Error().Err(err).Str("order_id", t.OrderID).Msg("failed to load order")
			continue
		}
		orders[t.OrderID] = o
	}
	return orders
}

// dispatch leases capacity for a task, executes it and resolves the outcome.
// Every error, including a panic, is resolved against this task alone.
func (s *WorkerService) dispatch(ctx context.Context, task *models.Task, order *models.Order) (out outcome) {
	logger := s.logger.With().Str("task_id", task.ID).Str("order_id", task.OrderID).Logger()
	s.metrics.IncrementProcessed()

	var lease *models.Lease
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("dispatch panicked")
			out = s.resolveFailure(ctx, logger, task, lease, fmt.Sprintf("%s: %v", execution.CodePanic, r))
		}
	}()

	if order == nil {
		return s.resolveFailure(ctx, logger, task, nil, "order unavailable")
	}

	lease, err := s.strategy.SelectAndLease(ctx, routing.Request{
		OrderID: task.OrderID,
		TaskID:  task.ID,
		Tier:    order.Tier,
		Geo:     order.GeoProfile,
		Units:   task.Quantity,
	})
	if err != nil {
		if errors.Is(err, routing.ErrNoCapacity) {
			s.metrics.IncrementNoCapacity()
			logger.Warn().Err(err).Msg("no routing capacity, releasing task")
			return s.release(ctx, logger, task)
		}
		if ctx.Err() != nil {
			logger.Info().Err(err).Msg("shutting down before lease, releasing task")
			return s.release(ctx, logger, task)
		}
		return s.resolveFailure(ctx, logger, task, nil, fmt.Sprintf("%s: %v", execution.CodeExecutionError, err))
	}
	logger = logger.With().Str("source", lease.SourceName).Logger()

	if err := s.repo.AssignSource(ctx, task, lease.SourceName); err != nil {
		logger.Warn().Err(err).Msg("failed to record assigned source")
	}

	if s.gate.IsBanned(lease.SourceName) {
		return s.resolveFailure(ctx, logger, task, lease, execution.CodeSourceBanned)
	}
	if s.gate.ShouldInjectFailure() {
		return s.resolveFailure(ctx, logger, task, lease, execution.CodeInjectedFailure)
	}

	result, err := s.execute(ctx, task, lease)
	switch {
	case err != nil:
		code := result.ErrorCode
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = execution.CodeTimeout
		case errors.Is(err, context.Canceled):
			code = execution.CodeCanceled
		case code == "":
			code = execution.CodeExecutionError
		}
		return s.resolveFailure(ctx, logger, task, lease, fmt.Sprintf("%s: %v", code, err))
	case !result.Success:
		code := result.ErrorCode
		if code == "" {
			code = execution.CodeExecutionError
		}
		return s.resolveFailure(ctx, logger, task, lease, code)
	}

	return s.resolveSuccess(ctx, logger, task, lease, result)
}

type executionOutcome struct {
	result execution.Result
	err    error
}

// execute calls the execution port under the execution timeout. Cancelling
// ctx does not interrupt a started execution, so shutdown waits at most one
// timeout for it. An execution that ignores its context is abandoned when the
// timeout fires.
func (s *WorkerService) execute(ctx context.Context, task *models.Task, lease *models.Lease) (execution.Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ExecutionTimeout)
	defer cancel()

	done := make(chan executionOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- executionOutcome{
					result: execution.Result{ErrorCode: execution.CodePanic},
					err:    fmt.Errorf("executor panicked: %v", r),
				}
			}
		}()
		res, err := s.executor.Execute(ctx, task, lease)
		done <- executionOutcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return execution.Result{ErrorCode: execution.CodeTimeout}, ctx.Err()
	}
}

// release returns the claim without consuming an attempt. The task is
// deferred for one interval, then picked up again on a later tick.
func (s *WorkerService) release(ctx context.Context, logger zerolog.Logger, task *models.Task) outcome {
	deferUntil := s.clock.Now().Add(s.cfg.Interval)
	released, err := s.repo.ReleaseClaim(context.WithoutCancel(ctx), task, deferUntil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to release claim")
		return outcomeDropped
	}
	if !released {
		logger.Warn().Msg("claim lost before release")
		return outcomeDropped
	}
	return outcomeReleased
}

func (s *WorkerService) resolveSuccess(ctx context.Context, logger zerolog.Logger, task *models.Task, lease *models.Lease, result execution.Result) outcome {
	// Resolve even when shutdown cancelled ctx; the work was done.
	rctx := context.WithoutCancel(ctx)
	s.releaseLease(rctx, logger, lease, true)

	res, err := s.repo.CompleteTask(rctx, task, s.clock.Now())
	if err != nil {
		logger.Error().Err(err).Msg("failed to complete task")
		return outcomeDropped
	}
	if res.Outcome == repository.OutcomeNoop {
		logger.Warn().Str("status", string(res.Task.Status)).Msg("task no longer held, result dropped")
		return outcomeDropped
	}

	s.metrics.IncrementCompleted()
	logger.Info().
		Int64("quantity", task.Quantity).
		Int64("duration_ms", result.DurationMs).
		Msg("task completed")
	if res.OrderStatus != "" {
		logger.Info().Str("status", string(res.OrderStatus)).Msg("order closed")
	}
	return outcomeCompleted
}

func (s *WorkerService) resolveFailure(ctx context.Context, logger zerolog.Logger, task *models.Task, lease *models.Lease, reason string) outcome {
	rctx := context.WithoutCancel(ctx)
	s.metrics.IncrementFailed()
	s.releaseLease(rctx, logger, lease, false)

	res, err := s.repo.FailTask(rctx, task, reason, s.clock.Now(), s.retry.Delay)
	if err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("failed to record task failure")
		return outcomeDropped
	}

	switch res.Outcome {
	case repository.OutcomeRetrying:
		s.metrics.IncrementRetried()
		ev := logger.Warn().
			Int("attempt", res.Task.Attempts).
			Int("max_attempts", res.Task.MaxAttempts).
			Str("reason", reason)
		if res.Task.RetryAfter != nil {
			ev = ev.Time("retry_after", *res.Task.RetryAfter)
		}
		ev.Msg("task failed, retrying")
		return outcomeRetried
	case repository.OutcomeDeadLettered:
		s.metrics.IncrementDeadLettered()
		s.publishDeadLetter(rctx, logger, res)
		if res.OrderStatus != "" {
			logger.Info().Str("status", string(res.OrderStatus)).Msg("order closed")
		}
		return outcomeDeadLettered
	default:
		logger.Warn().Str("status", string(res.Task.Status)).Msg("task no longer held, failure dropped")
		return outcomeDropped
	}
}

func (s *WorkerService) releaseLease(ctx context.Context, logger zerolog.Logger, lease *models.Lease, success bool) {
	if lease == nil {
		return
	}
	if err := s.strategy.Release(ctx, lease, success); err != nil {
		logger.Error().Err(err).Str("lease_id", lease.ID).Msg("failed to release lease")
	}
}

// publishDeadLetter emits the events for a committed dead-letter resolution.
func (s *WorkerService) publishDeadLetter(ctx context.Context, logger zerolog.Logger, res *repository.Resolution) {
	now := s.clock.Now()
	err := s.publisher.PublishDeadLetter(ctx, events.DeadLetterEvent{
		OrderID:       res.Task.OrderID,
		TaskID:        res.Task.ID,
		Quantity:      res.Task.Quantity,
		Attempts:      res.Task.Attempts,
		FailureReason: res.Task.LastError,
		OccurredAt:    now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to publish dead letter event")
	}

	if res.Refund == nil {
		return
	}
	err = s.publisher.PublishRefund(ctx, events.RefundEvent{
		OrderID:    res.Refund.OrderID,
		TaskID:     res.Refund.TaskID,
		Quantity:   res.Refund.Quantity,
		Amount:     res.Refund.Amount,
		OccurredAt: now,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to publish refund event")
	}
}
