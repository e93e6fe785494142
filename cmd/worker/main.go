package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"playdelivery/internal/app"
	"playdelivery/internal/config"
	"playdelivery/internal/handler"
	"playdelivery/internal/logging"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := workerCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("worker failed")
	}
}

func workerCmd() *cobra.Command {
	var (
		dbPath      string
		workerID    string
		interval    time.Duration
		batchSize   int
		concurrency int
		statusPort  int
	)

	command := &cobra.Command{
		Use:          "worker",
		Short:        "Run the play delivery worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("db") {
				cfg.Store.Path = dbPath
			}
			if flags.Changed("id") {
				cfg.Worker.ID = workerID
			}
			if flags.Changed("interval") {
				cfg.Worker.Interval = interval
			}
			if flags.Changed("batch-size") {
				cfg.Worker.BatchSize = batchSize
			}
			if flags.Changed("concurrency") {
				cfg.Worker.Concurrency = concurrency
			}
			if flags.Changed("status-port") {
				cfg.Worker.StatusPort = statusPort
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	command.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (overrides STORE_PATH)")
	command.Flags().StringVar(&workerID, "id", "", "worker identity (overrides WORKER_ID)")
	command.Flags().DurationVar(&interval, "interval", 0, "tick interval (overrides WORKER_INTERVAL)")
	command.Flags().IntVar(&batchSize, "batch-size", 0, "tasks claimed per tick (overrides WORKER_BATCH_SIZE)")
	command.Flags().IntVar(&concurrency, "concurrency", 0, "parallel dispatches (overrides WORKER_CONCURRENCY)")
	command.Flags().IntVar(&statusPort, "status-port", 0, "serve status routes and /metrics on this port (overrides WORKER_STATUS_PORT)")
	return command
}

func run(parent context.Context, cfg *config.Config) error {
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Pretty)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	worker := a.Worker()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return a.RunQuotaReset(ctx, nil) })

	if cfg.Worker.StatusPort > 0 {
		h := handler.NewOrderHandler(a.Orders, a.Validator, a.Capacity, a.Metrics, logger)
		if a.Chaos != nil {
			h.WithChaos(a.Chaos)
		}
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Worker.StatusPort),
			Handler:           h.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info().Str("addr", server.Addr).Msg("status server starting")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	logger.Info().Str("worker_id", worker.ID()).Msg("worker running, polling for tasks")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("worker stopped")
	return nil
}
