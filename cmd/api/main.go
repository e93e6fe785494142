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
)

func main() {
	if err := apiCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("api server failed")
	}
}

func apiCmd() *cobra.Command {
	var (
		dbPath string
		port   int
	)

	command := &cobra.Command{
		Use:          "api",
		Short:        "Serve order intake and delivery status over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.Store.Path = dbPath
			}
			if cmd.Flags().Changed("port") {
				cfg.API.Port = port
			}
			return run(cmd.Context(), cfg)
		},
	}

	command.Flags().StringVar(&dbPath, "db", "", "path to SQLite database (overrides STORE_PATH)")
	command.Flags().IntVarP(&port, "port", "p", 8080, "HTTP server port (overrides API_PORT)")
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

	// Worker counters live in the worker process; see WORKER_STATUS_PORT.
	h := handler.NewOrderHandler(a.Orders, a.Validator, a.Capacity, nil, logger)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.API.Port).Msg("api server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
