package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"trainingjobs/internal/config"
	"trainingjobs/internal/store/postgres"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "training-service",
		Short:         "Orchestrates fine-tuning jobs on a remote compute provider",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (default: ./configs/config.yaml)")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		level, _ := cfg.Logging.SlogLevel()
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
		return cfg, nil
	}

	root.AddCommand(newServeCmd(load), newMigrateCmd(load), newSweepCmd(load))
	return root
}

type configLoader func() (*config.Config, error)

func newMigrateCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	}
}

func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrations need the postgres driver, configured %q", cfg.Database.Driver)
	}
	pool, err := postgres.Connect(ctx, cfg.Database.URL, 1)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}
	slog.Info("Migrations applied")
	return nil
}

func newSweepCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one timeout sweep and exit, for cron deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return sweepOnce(cmd.Context(), cfg)
		},
	}
}

func sweepOnce(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.sweeper.SweepOnce(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	a.drainEvents(drainCtx)

	if err != nil {
		return err
	}
	slog.Info("Sweep finished",
		"skipped", stats.Skipped,
		"examined", stats.Examined,
		"reconciled", stats.Reconciled,
		"timedOut", stats.TimedOut,
		"failed", stats.Failed,
	)
	return nil
}
