package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trainingjobs/internal/api"
	"trainingjobs/internal/config"
	"trainingjobs/internal/observability"

	"github.com/spf13/cobra"
)

func newServeCmd(load configLoader) *cobra.Command {
	var runMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and timeout sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if runMigrations {
				if err := migrate(cmd.Context(), cfg); err != nil {
					return err
				}
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&runMigrations, "migrate", false, "apply database migrations before serving")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if cfg.Tracing.Enabled {
		shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.ServiceName, nil)
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				slog.Warn("Tracer shutdown error", "error", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Service:       a.service,
		Metrics:       a.metrics,
		HealthChecker: a.health,
		APIKey:        cfg.Server.APIKey,
		WebhookSecret: cfg.Callbacks.WebhookSecret,
	})

	if cfg.Server.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no server.api_key configured")
	}
	if cfg.Callbacks.WebhookSecret == "" {
		slog.Warn("Webhook signature verification disabled - no callbacks.webhook_secret configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", a.metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.Server.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", cfg.Server.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start timeout sweeper
	sweepCtx, stopSweeper := context.WithCancel(context.WithoutCancel(ctx))
	sweeperDone := make(chan struct{})
	if cfg.Sweeper.Enabled {
		go func() {
			defer close(sweeperDone)
			a.sweeper.Run(sweepCtx)
		}()
	} else {
		close(sweeperDone)
		slog.Info("Timeout sweeper disabled")
	}

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		runErr = err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	a.health.SetShuttingDown()
	if runErr == nil && cfg.Server.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.Server.ShutdownDrainWait)
		time.Sleep(cfg.Server.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(cfg.Server.ShutdownTimeout)

	// Phase 3: Stop the sweeper between sweeps
	stopSweeper()
	<-sweeperDone

	// Phase 4: Drain lifecycle events
	slog.Info("Draining event dispatcher")
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.drainEvents(drainCtx)

	// Jobs keep running on the provider; they report back through webhooks
	// or are picked up by sync and the sweeper after restart.
	slog.Info("Shutdown complete")
	return runErr
}
