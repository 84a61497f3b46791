package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trainingjobs/internal/apperrors"
)

// SweeperConfig controls the timeout policy.
type SweeperConfig struct {
	Interval     time.Duration // how often to sweep (default: 5m)
	StaleAfter   time.Duration // dispatched job with no update for this long times out (default: 6h)
	PendingAfter time.Duration // undispatched job stuck in PENDING this long fails (default: 15m)
	BatchSize    int           // jobs examined per category per sweep (default: 100)
}

// withDefaults fills in zero values with defaults.
func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 6 * time.Hour
	}
	if c.PendingAfter <= 0 {
		c.PendingAfter = 15 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Skipped    bool `json:"skipped"`
	Examined   int  `json:"examined"`
	Reconciled int  `json:"reconciled"`
	TimedOut   int  `json:"timedOut"`
	Failed     int  `json:"failed"`
}

// dispatchedStatuses are the non-terminal statuses a job can hold once the provider has it.
var dispatchedStatuses = []Status{
	StatusQueued,
	StatusInitializing,
	StatusProcessing,
	StatusSampling,
	StatusSaving,
}

// Sweeper periodically closes out jobs the provider has gone quiet about.
//
// A dispatched job with no accepted update for StaleAfter is polled once; a
// terminal answer from the provider is applied as is, anything else moves the
// job to TIMEOUT and the remote job is cancelled best-effort. A job still
// PENDING after PendingAfter never finished dispatch and is marked FAILED.
type Sweeper struct {
	svc    *Service
	cfg    SweeperConfig
	lease  Lease
	logger *slog.Logger
}

// NewSweeper creates a sweeper. lease may be nil, in which case every
// instance sweeps; per-row atomic updates keep that safe.
func NewSweeper(svc *Service, cfg SweeperConfig, lease Lease) *Sweeper {
	return &Sweeper{
		svc:    svc,
		cfg:    cfg.withDefaults(),
		lease:  lease,
		logger: slog.With("component", "sweeper"),
	}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", "interval", s.cfg.Interval, "staleAfter", s.cfg.StaleAfter, "pendingAfter", s.cfg.PendingAfter)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce runs a single sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	if s.lease != nil {
		acquired, err := s.lease.Acquire(ctx)
		if err != nil {
			return stats, fmt.Errorf("acquire sweeper lease: %w", err)
		}
		if !acquired {
			s.logger.Debug("Sweep skipped, lease held by another instance")
			stats.Skipped = true
			return stats, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release sweeper lease", "error", err)
			}
		}()
	}

	now := s.svc.now()

	staleCutoff := now.Add(-s.cfg.StaleAfter)
	stale, err := s.svc.store.ListStale(ctx, StaleFilter{
		Statuses:      dispatchedStatuses,
		UpdatedBefore: staleCutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return stats, fmt.Errorf("list stale jobs: %w", err)
	}
	for _, job := range stale {
		stats.Examined++
		switch s.expire(ctx, job, staleCutoff) {
		case sweepReconciled:
			stats.Reconciled++
		case sweepTimedOut:
			stats.TimedOut++
		}
	}

	pendingCutoff := now.Add(-s.cfg.PendingAfter)
	pending, err := s.svc.store.ListStale(ctx, StaleFilter{
		Statuses:      []Status{StatusPending},
		UpdatedBefore: pendingCutoff,
		Limit:         s.cfg.BatchSize,
	})
	if err != nil {
		return stats, fmt.Errorf("list pending jobs: %w", err)
	}
	for _, job := range pending {
		stats.Examined++
		if s.failPending(ctx, job, pendingCutoff) {
			stats.Failed++
		}
	}

	if stats.Examined > 0 {
		s.logger.Info("Sweep complete",
			"examined", stats.Examined,
			"reconciled", stats.Reconciled,
			"timedOut", stats.TimedOut,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

type sweepAction string

const (
	sweepNone       sweepAction = "none"
	sweepReconciled sweepAction = "reconciled"
	sweepTimedOut   sweepAction = "timed_out"
	sweepFailed     sweepAction = "failed"
)

// expire polls the provider for a stale job and times it out unless the
// provider reports a terminal state.
func (s *Sweeper) expire(ctx context.Context, job *Job, cutoff time.Time) sweepAction {
	logger := s.logger.With("jobId", job.ID, "externalJobId", job.ExternalJobID)

	if update, err := s.svc.provider.GetStatus(ctx, job.ExternalJobID); err != nil {
		logger.Warn("Status poll for stale job failed", "error", err)
	} else if next, known := MapProviderStatus(update.Code, job.Status); known && next.IsTerminal() {
		res, err := s.svc.reconciler.Apply(ctx, job.ID, *update, SourceSweeper)
		if err != nil {
			logger.Error("Failed to apply polled status", "error", err)
			return sweepNone
		}
		if res.Applied {
			s.svc.metrics.RecordSweep(ctx, string(sweepReconciled))
			return sweepReconciled
		}
	}

	detail := fmt.Sprintf("no status update received for %s", s.cfg.StaleAfter)
	res, err := s.svc.reconciler.mutate(ctx, job.ID, SourceSweeper, func(j *Job, now time.Time) error {
		if !j.Status.IsTerminal() && !j.UpdatedAt.Before(cutoff) {
			return apperrors.StaleUpdate(Resource, j.ID, ReasonRefreshed, "job received an update since it was selected")
		}
		_, err := apply(j, Update{Status: StatusTimeout, Error: detail}, now)
		return err
	})
	if err != nil {
		logger.Error("Failed to time out job", "error", err)
		return sweepNone
	}
	if !res.Applied {
		return sweepNone
	}

	s.svc.metrics.RecordSweep(ctx, string(sweepTimedOut))
	s.svc.cancelRemote(ctx, logger, job.ExternalJobID)
	return sweepTimedOut
}

// failPending fails a job whose dispatch never completed.
func (s *Sweeper) failPending(ctx context.Context, job *Job, cutoff time.Time) bool {
	detail := fmt.Sprintf("dispatch did not complete within %s", s.cfg.PendingAfter)
	res, err := s.svc.reconciler.mutate(ctx, job.ID, SourceSweeper, func(j *Job, now time.Time) error {
		if j.Status == StatusPending && !j.UpdatedAt.Before(cutoff) {
			return apperrors.StaleUpdate(Resource, j.ID, ReasonRefreshed, "job received an update since it was selected")
		}
		if j.Status != StatusPending && !j.Status.IsTerminal() {
			return apperrors.StaleUpdate(Resource, j.ID, ReasonRefreshed, "job was dispatched since it was selected")
		}
		_, err := apply(j, Update{Status: StatusFailed, Error: detail}, now)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to fail pending job", "jobId", job.ID, "error", err)
		return false
	}
	if res.Applied {
		s.svc.metrics.RecordSweep(ctx, string(sweepFailed))
	}
	return res.Applied
}
