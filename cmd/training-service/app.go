package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"trainingjobs/internal/assets"
	"trainingjobs/internal/config"
	"trainingjobs/internal/dispatcher"
	"trainingjobs/internal/health"
	"trainingjobs/internal/lease"
	"trainingjobs/internal/observability"
	"trainingjobs/internal/provider"
	"trainingjobs/internal/store/memory"
	"trainingjobs/internal/store/postgres"
	"trainingjobs/internal/training"
	"trainingjobs/pkg/backoff"
	"trainingjobs/pkg/circuitbreaker"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// app holds the wired service components shared by the serve and sweep commands.
type app struct {
	cfg            *config.Config
	metrics        *observability.Metrics
	metricsHandler http.Handler
	store          training.Store
	provider       *provider.Client
	events         dispatcher.Dispatcher
	service        *training.Service
	sweeper        *training.Sweeper
	health         *health.Checker

	pool  *pgxpool.Pool
	redis *redis.Client
}

// newApp connects to the configured backends and wires the service.
// Call close when done, after draining events.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	var err error
	a.metrics, a.metricsHandler, err = observability.NewMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("setup metrics: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		a.redis, err = lease.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		slog.Info("Connected to Redis")
	}

	a.provider = provider.NewClient(provider.Config{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Timeout: cfg.Provider.Timeout,
		Breaker: circuitbreaker.Config{
			Threshold: cfg.Provider.BreakerThreshold,
			Cooldown:  cfg.Provider.BreakerCooldown,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				slog.Warn("Provider circuit changed", "from", from, "to", to)
				a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})

	validator, err := a.assetValidator()
	if err != nil {
		return nil, err
	}

	publisher := a.openEvents()

	a.service = training.NewService(training.Options{
		Store:           a.store,
		Provider:        a.provider,
		Assets:          validator,
		Events:          publisher,
		Metrics:         a.metrics,
		CallbackBaseURL: cfg.Callbacks.BaseURL,
		DispatchRetries: cfg.Dispatch.Retries,
		DispatchBackoff: backoff.Config{
			Initial: cfg.Dispatch.BackoffInitial,
			Max:     cfg.Dispatch.BackoffMax,
			Jitter:  0.2,
		},
	})

	var sweepLease training.Lease
	if a.redis != nil {
		sweepLease = lease.New(a.redis, cfg.Sweeper.LeaseKey, cfg.Sweeper.LeaseTTL)
	}
	a.sweeper = training.NewSweeper(a.service, training.SweeperConfig{
		Interval:     cfg.Sweeper.Interval,
		StaleAfter:   cfg.Sweeper.StaleAfter,
		PendingAfter: cfg.Sweeper.PendingAfter,
		BatchSize:    cfg.Sweeper.BatchSize,
	}, sweepLease)

	a.health = health.NewChecker(a.healthDependencies()...)
	ready = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Database.Driver {
	case "memory":
		slog.Warn("Using in-memory store, jobs will not survive a restart")
		a.store = memory.New()
	default:
		pool, err := postgres.Connect(ctx, a.cfg.Database.URL, a.cfg.Database.MaxConns)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.store = postgres.New(pool)
		slog.Info("Connected to PostgreSQL")
	}
	return nil
}

func (a *app) assetValidator() (*assets.Validator, error) {
	s3 := a.cfg.Assets.S3
	cfg := assets.Config{Timeout: a.cfg.Assets.Timeout, Concurrency: a.cfg.Assets.Concurrency}
	if s3.Endpoint == "" {
		return assets.NewValidator(cfg, nil), nil
	}

	objects, err := assets.NewObjectStore(assets.StorageConfig{
		Endpoint:  s3.Endpoint,
		AccessKey: s3.AccessKey,
		SecretKey: s3.SecretKey,
		Region:    s3.Region,
		UseSSL:    s3.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Object storage configured for s3 asset references", "endpoint", s3.Endpoint)
	return assets.NewValidator(cfg, objects), nil
}

// openEvents starts the lifecycle event dispatcher for the configured driver.
func (a *app) openEvents() *dispatcher.Publisher {
	ev := a.cfg.Events
	publisher := &dispatcher.Publisher{Destination: ev.SinkURL, SigningKey: ev.SigningKey}

	switch ev.Driver {
	case "redis":
		d := dispatcher.NewRedis(a.redis, dispatcher.RedisConfig{
			Stream:     ev.SinkURL,
			MaxLen:     ev.StreamMaxLen,
			BufferSize: ev.BufferSize,
		}, a.metrics)
		if publisher.Destination == "" {
			publisher.Destination = d.Stream()
		}
		a.events = d
	default:
		a.events = dispatcher.NewMemory(dispatcher.MemoryConfig{
			BufferSize:  ev.BufferSize,
			Workers:     ev.Workers,
			HTTPTimeout: ev.HTTPTimeout,
			MaxRetries:  ev.MaxRetries,
		}, a.metrics)
		if ev.SinkURL == "" {
			slog.Warn("No events.sink_url configured, lifecycle events are discarded")
		}
	}

	publisher.Dispatcher = a.events
	return publisher
}

func (a *app) healthDependencies() []health.Dependency {
	deps := []health.Dependency{
		{Name: "store", Checker: health.ReadinessFunc(a.store.Ping), Critical: true},
		{Name: "provider", Checker: health.ReadinessFunc(func(ctx context.Context) error {
			if a.provider.BreakerState() == circuitbreaker.Open {
				return errors.New("provider circuit breaker is open")
			}
			return nil
		})},
	}
	if a.redis != nil {
		deps = append(deps, health.Dependency{
			Name: "redis",
			Checker: health.ReadinessFunc(func(ctx context.Context) error {
				return a.redis.Ping(ctx).Err()
			}),
		})
	}
	return deps
}

// drainEvents flushes queued lifecycle events and logs delivery stats.
func (a *app) drainEvents(ctx context.Context) {
	if a.events == nil {
		return
	}
	if err := a.events.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}

	stats := a.events.Stats()
	slog.Info("Dispatcher stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
	)
}

// close releases backend connections.
func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Warn("Redis close error", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
