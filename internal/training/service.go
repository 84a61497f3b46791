package training

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/observability"
	"trainingjobs/pkg/backoff"

	"github.com/google/uuid"
)

// Validation limits
const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
	maxSteps             = 100000
	maxAssets            = 500
	maxFilenameLength    = 255
	maxCaptionLength     = 1000
)

// Options configures a Service.
type Options struct {
	Store    Store
	Provider Provider
	Assets   AssetValidator
	Events   EventPublisher
	Metrics  *observability.Metrics

	// CallbackBaseURL is the public base URL the provider calls back on.
	CallbackBaseURL string
	// DispatchRetries is how many times a transient dispatch failure is retried.
	DispatchRetries int
	DispatchBackoff backoff.Config
}

// Service exposes the caller-facing job lifecycle: create, get, list, sync,
// cancel and delete. All of them except webhook handling are owner-scoped.
type Service struct {
	store      Store
	provider   Provider
	assets     AssetValidator
	events     EventPublisher
	metrics    *observability.Metrics
	reconciler *Reconciler
	builder    *EventBuilder

	callbackBase string
	retries      int
	backoff      backoff.Config

	now   func() time.Time
	newID func() string
}

// NewService creates a new lifecycle service.
func NewService(opts Options) *Service {
	return &Service{
		store:        opts.Store,
		provider:     opts.Provider,
		assets:       opts.Assets,
		events:       opts.Events,
		metrics:      opts.Metrics,
		reconciler:   NewReconciler(opts.Store, opts.Events, opts.Metrics),
		builder:      NewEventBuilder(""),
		callbackBase: strings.TrimRight(opts.CallbackBaseURL, "/"),
		retries:      max(opts.DispatchRetries, 0),
		backoff:      opts.DispatchBackoff,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// Reconciler returns the reconciler shared by every state-changing path.
func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// CallbackURL returns the webhook URL bound to jobID.
func (s *Service) CallbackURL(jobID string) string {
	return s.callbackBase + "/webhooks/training/" + url.PathEscape(jobID)
}

// Create persists a new job, validates its assets and dispatches it.
//
// The job is stored as PENDING before anything else happens. If an asset is
// unreachable or the dispatch fails, the job is marked FAILED with the reason
// and the error is returned carrying the job id, so the failed job stays
// inspectable.
func (s *Service) Create(ctx context.Context, ownerID string, req *CreateRequest) (*Job, error) {
	if ownerID == "" {
		return nil, apperrors.Unauthenticated("caller identity is required")
	}
	applyDefaults(req)
	if err := validate(req); err != nil {
		return nil, err
	}

	job := s.newJob(ownerID, req)
	logger := slog.With("jobId", job.ID, "ownerId", ownerID)

	if err := s.store.Create(ctx, job); err != nil {
		logger.Error("Failed to persist job", "error", err)
		return nil, err
	}
	s.metrics.RecordJobCreated(ctx)
	s.reconciler.publish(ctx, s.builder.BuildCreatedEvent(job))
	logger.Info("Job created", "assets", len(job.Assets), "totalSteps", job.TotalSteps)

	// The rest of the lifecycle must finish even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	refs := make([]AssetRef, len(job.Assets))
	for i, a := range job.Assets {
		refs[i] = a.Ref()
	}
	if err := s.assets.Validate(ctx, refs); err != nil {
		logger.Warn("Asset validation failed", "error", err)
		s.markFailed(ctx, job.ID, "asset validation failed: "+err.Error())
		return nil, apperrors.WithID(err, job.ID)
	}

	dispatch, err := s.dispatch(ctx, logger, Definition{
		JobID:          job.ID,
		TrainingConfig: job.TrainingConfig,
		DatasetConfig:  job.DatasetConfig,
		ModelConfig:    job.ModelConfig,
		SampleConfig:   job.SampleConfig,
		Assets:         refs,
		WebhookURL:     s.CallbackURL(job.ID),
	})
	if err != nil {
		logger.Error("Job dispatch failed", "error", err, "retryable", apperrors.IsRetryable(err))
		s.markFailed(ctx, job.ID, "dispatch failed: "+err.Error())
		return nil, apperrors.WithID(err, job.ID)
	}

	res, err := s.recordDispatch(ctx, job.ID, dispatch)
	if err != nil {
		logger.Error("Failed to record dispatch", "externalJobId", dispatch.ExternalJobID, "error", err)
		if errors.Is(err, apperrors.ErrConflict) {
			s.markFailed(ctx, job.ID, err.Error())
		}
		return nil, apperrors.WithID(err, job.ID)
	}

	if res.Job.Status == StatusCancelled {
		logger.Info("Job cancelled during dispatch, cancelling remote job", "externalJobId", dispatch.ExternalJobID)
		s.cancelRemote(ctx, logger, dispatch.ExternalJobID)
	}

	logger.Info("Job dispatched", "externalJobId", dispatch.ExternalJobID, "status", res.Job.Status)
	return res.Job, nil
}

// dispatch starts the job on the provider, retrying transient failures with backoff.
func (s *Service) dispatch(ctx context.Context, logger *slog.Logger, def Definition) (*Dispatch, error) {
	var lastErr error
	for attempt := range s.retries + 1 {
		if attempt > 0 {
			if err := backoff.Wait(ctx, attempt, &s.backoff); err != nil {
				return nil, err
			}
		}

		start := time.Now()
		d, err := s.provider.StartTraining(ctx, def)
		s.metrics.RecordDispatch(ctx, dispatchOutcome(err), time.Since(start).Seconds())
		if err == nil {
			return d, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
		logger.Warn("Dispatch attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// recordDispatch stores the external job id and the provider's initial status.
// The external id is always recorded. The initial status only applies when it
// moves the job forward: a job cancelled while the dispatch was in flight keeps
// CANCELLED, and a job a webhook already advanced keeps that status.
func (s *Service) recordDispatch(ctx context.Context, jobID string, d *Dispatch) (*Result, error) {
	initial, ok := MapProviderStatus(d.StatusCode, StatusQueued)
	if !ok || initial == StatusCompleted {
		initial = StatusQueued
	}
	return s.reconciler.mutate(ctx, jobID, SourceDispatch, func(j *Job, now time.Time) error {
		if j.ExternalJobID == "" {
			j.ExternalJobID = d.ExternalJobID
			started := now
			j.StartedAt = &started
		}
		if j.Status.IsTerminal() || !j.Status.CanTransition(initial) {
			j.UpdatedAt = now
			return nil
		}
		_, err := apply(j, Update{Status: initial}, now)
		return err
	})
}

// markFailed moves a job to FAILED through the reconciler.
func (s *Service) markFailed(ctx context.Context, jobID, detail string) {
	if _, err := s.reconciler.Apply(ctx, jobID, Update{Status: StatusFailed, Error: detail}, SourceDispatch); err != nil {
		slog.Error("Failed to mark job failed", "jobId", jobID, "error", err)
	}
}

// Get returns one of the owner's jobs with its assets.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	return s.authorized(ctx, ownerID, jobID)
}

// List returns the owner's jobs.
func (s *Service) List(ctx context.Context, ownerID string) (*ListResponse, error) {
	if ownerID == "" {
		return nil, apperrors.Unauthenticated("caller identity is required")
	}
	jobs, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*Job{}
	}
	return &ListResponse{Jobs: jobs}, nil
}

// Sync polls the provider for the job's status and feeds the answer through
// the reconciler, the same path webhooks take.
func (s *Service) Sync(ctx context.Context, ownerID, jobID string) (*Job, error) {
	job, err := s.authorized(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || !job.Dispatched() {
		return job, nil
	}

	update, err := s.provider.GetStatus(ctx, job.ExternalJobID)
	if err != nil {
		slog.Warn("Status poll failed", "jobId", jobID, "externalJobId", job.ExternalJobID, "error", err)
		return nil, err
	}
	res, err := s.reconciler.Apply(ctx, jobID, *update, SourcePoll)
	if err != nil {
		return nil, err
	}
	return s.withAssets(res.Job, job), nil
}

// Cancel asks the provider to stop the job, then marks it CANCELLED locally
// whatever the provider answered. Cancelling a finished job is a no-op.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID string) (*Job, error) {
	job, err := s.authorized(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	logger := slog.With("jobId", jobID)

	if job.Status.IsTerminal() {
		logger.Info("Cancel ignored, job already terminal", "status", job.Status)
		return job, nil
	}

	// The local CANCELLED must land even if the caller goes away during the remote call.
	ctx = context.WithoutCancel(ctx)

	if job.Dispatched() {
		s.cancelRemote(ctx, logger, job.ExternalJobID)
	}

	res, err := s.reconciler.Apply(ctx, jobID, Update{Status: StatusCancelled}, SourceCancel)
	if err != nil {
		logger.Error("Job cancellation failed", "error", err)
		return nil, err
	}
	if res.Applied {
		logger.Info("Job cancelled")
	}
	return s.withAssets(res.Job, job), nil
}

// cancelRemote asks the provider to cancel. Failures are logged, never returned.
func (s *Service) cancelRemote(ctx context.Context, logger *slog.Logger, externalJobID string) {
	ok, err := s.provider.Cancel(ctx, externalJobID)
	switch {
	case err != nil:
		logger.Warn("Remote cancel failed", "externalJobId", externalJobID, "error", err)
	case !ok:
		logger.Info("Remote cancel not supported for job", "externalJobId", externalJobID)
	}
}

// Delete removes one of the owner's jobs. It does not cancel the remote job.
func (s *Service) Delete(ctx context.Context, ownerID, jobID string) error {
	job, err := s.authorized(ctx, ownerID, jobID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, jobID, ownerID); err != nil {
		return err
	}
	logger := slog.With("jobId", jobID)
	if job.Dispatched() && !job.Status.IsTerminal() {
		logger.Warn("Deleted job is still active on the provider", "externalJobId", job.ExternalJobID, "status", job.Status)
	}
	logger.Info("Job deleted")
	return nil
}

// HandleWebhook applies a provider callback to the job bound to the callback URL.
func (s *Service) HandleWebhook(ctx context.Context, jobID string, u Update) (*Result, error) {
	if u.ReportedJobID != "" && u.ReportedJobID != jobID {
		slog.Debug("Webhook payload names a different job, using callback path", "jobId", jobID, "reported", u.ReportedJobID)
	}
	return s.reconciler.Apply(ctx, jobID, u, SourceWebhook)
}

// authorized loads a job and checks it belongs to ownerID.
func (s *Service) authorized(ctx context.Context, ownerID, jobID string) (*Job, error) {
	if ownerID == "" {
		return nil, apperrors.Unauthenticated("caller identity is required")
	}
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, apperrors.Forbidden(Resource, jobID)
	}
	return job, nil
}

// withAssets carries assets over from a previously loaded copy of the job.
func (s *Service) withAssets(job, loaded *Job) *Job {
	if job != nil && job.Assets == nil {
		job.Assets = loaded.Assets
	}
	return job
}

func (s *Service) newJob(ownerID string, req *CreateRequest) *Job {
	now := s.now()
	job := &Job{
		ID:             s.newID(),
		OwnerID:        ownerID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         StatusPending,
		TotalSteps:     req.TrainingConfig.Steps,
		TrainingConfig: req.TrainingConfig,
		DatasetConfig:  req.DatasetConfig,
		ModelConfig:    req.ModelConfig,
		SampleConfig:   req.SampleConfig,
		SampleURLs:     []string{},
		CheckpointURLs: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job.Assets = make([]Asset, len(req.Assets))
	for i, in := range req.Assets {
		job.Assets[i] = Asset{
			ID:          s.newID(),
			JobID:       job.ID,
			Position:    i,
			Filename:    in.Filename,
			Caption:     in.Caption,
			URL:         in.URL,
			ContentType: in.ContentType,
			Width:       in.Width,
			Height:      in.Height,
			SizeBytes:   in.SizeBytes,
			CreatedAt:   now,
		}
	}
	return job
}

// applyDefaults sets default values for unspecified request fields.
func applyDefaults(req *CreateRequest) {
	req.Name = strings.TrimSpace(req.Name)
	for i := range req.Assets {
		a := &req.Assets[i]
		a.URL = strings.TrimSpace(a.URL)
		if a.Filename == "" {
			if parsed, err := url.Parse(a.URL); err == nil {
				a.Filename = path.Base(parsed.Path)
			}
		}
	}
}

// validate validates a create request. Does not modify the request.
func validate(req *CreateRequest) error {
	if req.Name == "" {
		return apperrors.Validation("name", "name is required")
	}
	if len(req.Name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("name exceeds maximum length of %d", maxNameLength))
	}
	if len(req.Description) > maxDescriptionLength {
		return apperrors.Validation("description", fmt.Sprintf("description exceeds maximum length of %d", maxDescriptionLength))
	}

	if req.TrainingConfig.Steps <= 0 {
		return apperrors.Validation("trainingConfig.steps", "steps must be positive")
	}
	if req.TrainingConfig.Steps > maxSteps {
		return apperrors.Validation("trainingConfig.steps", fmt.Sprintf("steps exceed maximum of %d", maxSteps))
	}
	if req.TrainingConfig.LearningRate < 0 {
		return apperrors.Validation("trainingConfig.learningRate", "learning rate must not be negative")
	}

	if len(req.Assets) == 0 {
		return apperrors.Validation("assets", "at least one asset is required")
	}
	if len(req.Assets) > maxAssets {
		return apperrors.Validation("assets", fmt.Sprintf("assets exceed maximum of %d", maxAssets))
	}
	for i, a := range req.Assets {
		field := fmt.Sprintf("assets[%d]", i)
		if err := validateAssetURL(a.URL); err != nil {
			return apperrors.Validation(field+".url", fmt.Sprintf("invalid asset reference %q: %v", a.URL, err))
		}
		if a.Filename == "" || a.Filename == "/" || a.Filename == "." {
			return apperrors.Validation(field+".filename", "filename is required")
		}
		if len(a.Filename) > maxFilenameLength {
			return apperrors.Validation(field+".filename", fmt.Sprintf("filename exceeds maximum length of %d", maxFilenameLength))
		}
		if len(a.Caption) > maxCaptionLength {
			return apperrors.Validation(field+".caption", fmt.Sprintf("caption exceeds maximum length of %d", maxCaptionLength))
		}
	}
	return nil
}

// validateAssetURL accepts http(s) URLs and s3://bucket/key references.
func validateAssetURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		if parsed.Host == "" {
			return fmt.Errorf("URL must have a host")
		}
	case "s3":
		if parsed.Host == "" || strings.Trim(parsed.Path, "/") == "" {
			return fmt.Errorf("s3 reference must name a bucket and a key")
		}
	default:
		return fmt.Errorf("URL scheme must be http, https or s3, got %q", parsed.Scheme)
	}
	return nil
}

func dispatchOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperrors.IsRetryable(err):
		return "transient"
	case errors.Is(err, apperrors.ErrDispatchRejected):
		return "rejected"
	default:
		return "error"
	}
}
