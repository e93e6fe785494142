// Package app wires the delivery components from configuration. The binaries
// under cmd share it so the API, the worker and the CLI see the same store,
// routing fleet and quota counters.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"playdelivery/internal/admission"
	"playdelivery/internal/config"
	"playdelivery/internal/events"
	"playdelivery/internal/execution"
	"playdelivery/internal/metrics"
	"playdelivery/internal/models"
	"playdelivery/internal/quota"
	"playdelivery/internal/repository"
	"playdelivery/internal/routing"
	"playdelivery/internal/service"
	"playdelivery/internal/taskgen"
	"playdelivery/internal/validator"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// App holds the wired components
type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Repo      *repository.SQLiteRepository
	Counter   quota.Counter
	Registry  *routing.Registry
	Leases    *routing.LeaseTracker
	Strategy  *routing.HybridStrategy
	Capacity  *admission.CapacityService
	Generator *taskgen.Generator
	Orders    *service.OrderService
	Validator *validator.Validator
	Publisher events.Publisher
	Metrics   *metrics.Metrics

	// Chaos is nil unless CHAOS_ENABLED is set.
	Chaos *execution.ChaosGate

	closers []func() error
}

// New opens the store and builds every component. Redis and Kafka are used
// when configured; otherwise quotas live in process and events go to the log.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Metrics: metrics.NewMetrics()}

	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	repo, err := repository.NewSQLiteRepository(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.Repo = repo
	a.closers = append(a.closers, repo.Close)

	if cfg.Redis.Addr != "" {
		rc, err := quota.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		a.Counter = rc
		a.closers = append(a.closers, rc.Close)
	} else {
		a.Logger.Warn().Msg("REDIS_ADDR not set, quota counters are per process")
		a.Counter = quota.NewMemoryCounter()
	}

	fleet := routing.DefaultFleet()
	if cfg.Routing.FleetFile != "" {
		if fleet, err = routing.LoadFleetFile(cfg.Routing.FleetFile); err != nil {
			return err
		}
	}
	a.Registry, err = routing.NewRegistryFromFleet(ctx, fleet, a.Counter,
		routing.WithReplenishOnFailure(cfg.Routing.ReplenishOnFailure),
		routing.WithLeaseTTL(cfg.Routing.LeaseTTL),
	)
	if err != nil {
		return err
	}

	a.Leases = routing.NewLeaseTracker(cfg.Routing.LeaseTTL, a.Logger)
	a.closers = append(a.closers, func() error { a.Leases.Close(); return nil })
	a.Strategy = routing.NewHybridStrategy(a.Registry, cfg.Routing.EliteSource, a.Leases, a.Logger)

	a.Capacity = admission.NewCapacityService(a.Registry, a.Repo, nil)
	a.Generator = taskgen.New(cfg.TaskGen)
	a.Orders = service.NewOrderService(a.Repo, a.Capacity, a.Generator, nil, a.Logger)

	tolerance, err := models.ParseMoney(cfg.Validator.RefundTolerance)
	if err != nil {
		return fmt.Errorf("invalid VALIDATOR_REFUND_TOLERANCE: %w", err)
	}
	a.Validator = validator.New(a.Repo, nil, cfg.Worker.OrphanThreshold, tolerance)

	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.Publisher = kp
		a.Logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing events to kafka")
	} else {
		a.Publisher = events.NewLogPublisher(a.Logger)
	}
	a.closers = append(a.closers, a.Publisher.Close)

	if cfg.Chaos.Enabled {
		a.Chaos = execution.NewChaosGate(nil)
		a.Chaos.SetPaused(cfg.Chaos.Paused)
		a.Chaos.SetFailureRate(cfg.Chaos.FailureRate)
		for _, name := range cfg.Chaos.BannedSources {
			if _, ok := a.Registry.Get(name); !ok {
				return fmt.Errorf("CHAOS_BANNED_SOURCES: unknown source %q", name)
			}
			a.Chaos.Ban(name)
		}
		a.Logger.Warn().Interface("chaos", a.Chaos.State()).Msg("chaos switches enabled")
	}

	a.Logger.Info().
		Str("store", cfg.Store.Path).
		Int("sources", len(a.Registry.Sources())).
		Float64("plays_per_hour", a.Capacity.PlaysPerHour()).
		Msg("components ready")
	return nil
}

// Worker builds a delivery worker backed by the simulated execution port.
func (a *App) Worker(opts ...service.WorkerOption) *service.WorkerService {
	executor := execution.NewSimulatedExecutor(nil, a.Config.Worker.SimulatedLatency, a.Config.Worker.SimulatedFailureRate,
		rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))

	base := []service.WorkerOption{
		service.WithPublisher(a.Publisher),
		service.WithLogger(a.Logger),
	}
	if a.Chaos != nil {
		base = append(base, service.WithGate(a.Chaos))
	}
	opts = append(base, opts...)
	return service.NewWorkerService(a.Config.Worker, a.Repo, a.Strategy, executor, a.Metrics, opts...)
}

// RunQuotaReset restores every source's daily capacity on each interval
// until ctx is done.
func (a *App) RunQuotaReset(ctx context.Context, clk clock.WithTicker) error {
	if clk == nil {
		clk = clock.RealClock{}
	}
	ticker := clk.NewTicker(a.Config.Routing.QuotaResetInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := a.Registry.ResetDaily(ctx); err != nil {
				a.Logger.Error().Err(err).Msg("quota reset failed")
				continue
			}
			a.Logger.Info().Msg("source quotas reset")
		}
	}
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
