package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/observability"
	"trainingjobs/pkg/cloudevent"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Source identifies where a status change came from.
type Source string

const (
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
	SourceDispatch Source = "dispatch"
	SourceCancel   Source = "cancel"
	SourceSweeper  Source = "sweeper"
)

// Reasons reported for applied and rejected updates.
const (
	ReasonApplied           = "applied"
	ReasonTerminal          = "terminal"
	ReasonStepRegression    = "step_regression"
	ReasonStatusRegression  = "status_regression"
	ReasonMissingFinalModel = "missing_final_model"
	ReasonRefreshed         = "refreshed"
)

// defaultFailureDetail is stored when the provider reports a failure without saying why.
const defaultFailureDetail = "compute provider reported a failure without detail"

// Result describes the outcome of reconciling one update.
type Result struct {
	Job      *Job   `json:"job"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason"`
	Previous Status `json:"previousStatus"`
}

// Reconciler applies status updates to stored jobs. Webhooks, sync polls,
// local cancellation and the sweeper all change job state through it.
type Reconciler struct {
	store   Store
	events  EventPublisher
	builder *EventBuilder
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewReconciler creates a reconciler over store. events and metrics may be nil.
func NewReconciler(store Store, events EventPublisher, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		events:  events,
		builder: NewEventBuilder(""),
		metrics: metrics,
		tracer:  otel.Tracer("trainingjobs/training"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply runs the update acceptance rules for u against the job identified by jobID.
// Updates for terminal jobs and updates that lose the ordering check are not
// errors: they come back with Applied=false and the stored job.
func (r *Reconciler) Apply(ctx context.Context, jobID string, u Update, source Source) (*Result, error) {
	var unknownCode bool
	res, err := r.mutate(ctx, jobID, source, func(j *Job, now time.Time) error {
		var err error
		unknownCode, err = apply(j, u, now)
		return err
	})
	if unknownCode {
		slog.Warn("Unrecognized provider status, keeping current status",
			"jobId", jobID, "source", source, "code", u.Code)
	}
	return res, err
}

// mutate runs fn under the store's row lock and classifies the outcome.
func (r *Reconciler) mutate(ctx context.Context, jobID string, source Source, fn func(*Job, time.Time) error) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "training.reconcile", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("update.source", string(source)),
	))
	defer span.End()

	logger := slog.With("jobId", jobID, "source", source)

	var previous Status
	var stored *Job
	updated, err := r.store.Update(ctx, jobID, func(j *Job) error {
		previous = j.Status
		stored = j.Clone()
		return fn(j, r.now())
	})

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrTerminal):
		logger.Debug("Update ignored, job already terminal", "status", previous)
		r.metrics.RecordUpdate(ctx, string(source), ReasonTerminal)
		span.SetAttributes(attribute.String("update.outcome", ReasonTerminal))
		return &Result{Job: stored, Reason: ReasonTerminal, Previous: previous}, nil
	case errors.Is(err, apperrors.ErrStaleUpdate):
		reason := apperrors.ReasonOf(err)
		logger.Info("Update rejected", "reason", reason, "detail", err.Error())
		r.metrics.RecordUpdate(ctx, string(source), reason)
		span.SetAttributes(attribute.String("update.outcome", reason))
		return &Result{Job: stored, Reason: reason, Previous: previous}, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	r.metrics.RecordUpdate(ctx, string(source), ReasonApplied)
	span.SetAttributes(
		attribute.String("update.outcome", ReasonApplied),
		attribute.String("job.status", string(updated.Status)),
	)

	if updated.Status != previous {
		logger.Info("Job status changed", "from", previous, "to", updated.Status,
			"step", updated.CurrentStep, "progress", updated.Progress)
		if updated.Status.IsTerminal() {
			r.metrics.RecordJobFinished(ctx, string(updated.Status), terminalDuration(updated))
		}
		r.publish(ctx, r.builder.BuildTransitionEvents(updated, previous)...)
	}

	return &Result{Job: updated, Applied: true, Reason: ReasonApplied, Previous: previous}, nil
}

// publish hands events to the notification collaborator. Delivery failures
// never affect the stored state.
func (r *Reconciler) publish(ctx context.Context, events ...*cloudevent.CloudEvent) {
	if r.events == nil {
		return
	}
	for _, event := range events {
		if err := r.events.Publish(ctx, event); err != nil {
			slog.Warn("Failed to publish lifecycle event", "jobId", event.Subject, "type", event.Type, "error", err)
		}
	}
}

// apply mutates job according to the update acceptance rules. It reports
// whether u carried a provider status code outside the known vocabulary.
func apply(job *Job, u Update, now time.Time) (bool, error) {
	if job.Status.IsTerminal() {
		return false, apperrors.Terminal(Resource, job.ID, string(job.Status))
	}

	next, unknownCode := resolveStatus(job.Status, u)
	if !next.Valid() {
		return unknownCode, apperrors.Validation("status", fmt.Sprintf("unknown status %q", next))
	}

	// A terminal report always wins; the provider is authoritative about completion.
	if !next.IsTerminal() {
		if u.CurrentStep != nil && *u.CurrentStep < job.CurrentStep {
			return unknownCode, apperrors.StaleUpdate(Resource, job.ID, ReasonStepRegression,
				fmt.Sprintf("step %d is behind stored step %d", *u.CurrentStep, job.CurrentStep))
		}
		if !job.Status.CanTransition(next) {
			return unknownCode, apperrors.StaleUpdate(Resource, job.ID, ReasonStatusRegression,
				fmt.Sprintf("%s cannot follow %s", next, job.Status))
		}
	}
	if next == StatusCompleted && u.FinalModelURL == "" {
		return unknownCode, apperrors.StaleUpdate(Resource, job.ID, ReasonMissingFinalModel,
			"completion reported without a final model reference")
	}

	if u.TotalSteps != nil && *u.TotalSteps > 0 && job.TotalSteps == 0 {
		job.TotalSteps = *u.TotalSteps
	}
	if u.CurrentStep != nil {
		job.CurrentStep = clampStep(max(*u.CurrentStep, job.CurrentStep), job.TotalSteps)
	}

	switch {
	case next == StatusCompleted:
		job.Progress = 100
		if job.TotalSteps > 0 {
			job.CurrentStep = job.TotalSteps
		}
	case next.IsTerminal():
		// progress stays at its last known value
	case u.Progress != nil:
		job.Progress = max(job.Progress, min(max(*u.Progress, 0), 100))
	case u.CurrentStep != nil && job.TotalSteps > 0:
		job.Progress = max(job.Progress, job.CurrentStep*100/job.TotalSteps)
	}

	if u.Loss != nil {
		job.Loss = u.Loss
	}
	if u.LearningRate != nil {
		job.LearningRate = u.LearningRate
	}
	if u.ETASeconds != nil {
		job.ETASeconds = u.ETASeconds
	}
	job.SampleURLs = appendUnique(job.SampleURLs, u.SampleURLs)
	job.CheckpointURLs = appendUnique(job.CheckpointURLs, u.CheckpointURLs)

	switch next {
	case StatusCompleted:
		job.FinalModelURL = u.FinalModelURL
		job.ETASeconds = nil
	case StatusFailed:
		job.Error = u.Error
		if job.Error == "" {
			job.Error = defaultFailureDetail
		}
	case StatusTimeout:
		job.Error = u.Error
	}

	job.Status = next
	if next.IsTerminal() {
		completed := now
		job.CompletedAt = &completed
	}
	job.UpdatedAt = now
	return unknownCode, nil
}

// resolveStatus picks the status an update moves the job to.
func resolveStatus(current Status, u Update) (Status, bool) {
	if u.Status != "" {
		return u.Status, false
	}
	next, known := MapProviderStatus(u.Code, current)
	return next, !known && u.Code != ""
}

// clampStep keeps a reported step within [0, total]. A total of zero means unknown.
func clampStep(step, total int) int {
	if step < 0 {
		return 0
	}
	if total > 0 && step > total {
		return total
	}
	return step
}

// appendUnique extends existing with the non-empty references it does not hold yet.
func appendUnique(existing, reported []string) []string {
	if len(reported) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing)+len(reported))
	for _, ref := range existing {
		seen[ref] = struct{}{}
	}
	for _, ref := range reported {
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		existing = append(existing, ref)
	}
	return existing
}

// terminalDuration returns the seconds between dispatch (or creation) and completion.
func terminalDuration(job *Job) float64 {
	if job.CompletedAt == nil {
		return 0
	}
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	return job.CompletedAt.Sub(start).Seconds()
}
