package training

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/testutil"
)

func TestService_Create(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	job, err := env.svc.Create(ctx, "owner-1", validRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if job.Status != StatusQueued {
		t.Errorf("Status = %s, want QUEUED", job.Status)
	}
	if job.ExternalJobID != "ext-"+job.ID {
		t.Errorf("ExternalJobID = %q", job.ExternalJobID)
	}
	if job.Name != "portrait-lora" || job.OwnerID != "owner-1" || job.TotalSteps != 1000 {
		t.Errorf("job = name %q owner %q totalSteps %d", job.Name, job.OwnerID, job.TotalSteps)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(testStart) {
		t.Errorf("StartedAt = %v, want %v", job.StartedAt, testStart)
	}

	stored := env.store.job(t, job.ID)
	if len(stored.Assets) != 3 {
		t.Fatalf("stored %d assets, want 3", len(stored.Assets))
	}
	wantNames := []string{"a.png", "b.jpg", "c.png"}
	for i, a := range stored.Assets {
		if a.Position != i || a.JobID != job.ID || a.Filename != wantNames[i] {
			t.Errorf("asset %d = position %d job %q filename %q", i, a.Position, a.JobID, a.Filename)
		}
	}

	if len(env.provider.definitions) != 1 {
		t.Fatalf("provider received %d definitions, want 1", len(env.provider.definitions))
	}
	def := env.provider.definitions[0]
	if def.JobID != job.ID || len(def.Assets) != 3 {
		t.Errorf("definition = job %q with %d assets", def.JobID, len(def.Assets))
	}
	if want := "https://api.example.com/webhooks/training/" + job.ID; def.WebhookURL != want {
		t.Errorf("WebhookURL = %q, want %q", def.WebhookURL, want)
	}
	if def.DatasetConfig["repeats"] != 10 {
		t.Errorf("DatasetConfig = %v, want it passed through", def.DatasetConfig)
	}

	if types := env.events.types(); !slices.Equal(types, []string{EventTypeCreated, EventTypeStatus}) {
		t.Errorf("events = %v", types)
	}
}

func TestService_Create_InitialProviderStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code string
		want Status
	}{
		{"queued", StatusQueued},
		{"initializing", StatusInitializing},
		{"in-progress", StatusProcessing},
		{"completed", StatusQueued},
		{"", StatusQueued},
		{"spinning-up", StatusQueued},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			env.provider.startStatus = tt.code

			job, err := env.svc.Create(context.Background(), "owner-1", validRequest())
			if err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if job.Status != tt.want {
				t.Errorf("Status = %s, want %s", job.Status, tt.want)
			}
		})
	}
}

func TestService_Create_InvalidRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		modify    func(r *CreateRequest)
		wantField string
	}{
		{"blank name", func(r *CreateRequest) { r.Name = "   " }, "name"},
		{"long name", func(r *CreateRequest) { r.Name = strings.Repeat("n", maxNameLength+1) }, "name"},
		{"long description", func(r *CreateRequest) { r.Description = strings.Repeat("d", maxDescriptionLength+1) }, "description"},
		{"zero steps", func(r *CreateRequest) { r.TrainingConfig.Steps = 0 }, "trainingConfig.steps"},
		{"too many steps", func(r *CreateRequest) { r.TrainingConfig.Steps = maxSteps + 1 }, "trainingConfig.steps"},
		{"negative learning rate", func(r *CreateRequest) { r.TrainingConfig.LearningRate = -1 }, "trainingConfig.learningRate"},
		{"no assets", func(r *CreateRequest) { r.Assets = nil }, "assets"},
		{"unsupported scheme", func(r *CreateRequest) { r.Assets[1].URL = "ftp://files.example.com/a.png" }, "assets[1].url"},
		{"s3 without key", func(r *CreateRequest) { r.Assets[0].URL = "s3://datasets/" }, "assets[0].url"},
		{"missing url", func(r *CreateRequest) { r.Assets[2].URL = " " }, "assets[2].url"},
		{"no filename derivable", func(r *CreateRequest) { r.Assets[2].URL = "https://cdn.example.com/" }, "assets[2].filename"},
		{"long caption", func(r *CreateRequest) { r.Assets[0].Caption = strings.Repeat("c", maxCaptionLength+1) }, "assets[0].caption"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)

			req := validRequest()
			tt.modify(req)
			_, err := env.svc.Create(context.Background(), "owner-1", req)

			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || !errors.Is(err, apperrors.ErrValidation) {
				t.Fatalf("Create() error = %v, want a validation error", err)
			}
			if appErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", appErr.Field, tt.wantField)
			}
			if len(env.store.jobs) != 0 {
				t.Errorf("invalid request persisted %d jobs", len(env.store.jobs))
			}
			if env.validator.calls.Load() != 0 || env.provider.starts.Load() != 0 {
				t.Error("invalid request reached asset validation or dispatch")
			}
		})
	}
}

func TestService_Create_RequiresOwner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.svc.Create(context.Background(), "", validRequest())
	if !errors.Is(err, apperrors.ErrUnauthenticated) {
		t.Errorf("Create() error = %v, want ErrUnauthenticated", err)
	}
}

// onlyJob returns the single job owner-1 has.
func (e *testEnv) onlyJob(t *testing.T) *Job {
	t.Helper()
	jobs, err := e.store.ListByOwner(context.Background(), "owner-1")
	if err != nil || len(jobs) != 1 {
		t.Fatalf("ListByOwner() = %d jobs, %v; want 1", len(jobs), err)
	}
	return e.store.job(t, jobs[0].ID)
}

func TestService_Create_UnreachableAssetFailsJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.validator.err = apperrors.Validation("assets[1].url", "asset not reachable: 404")

	_, err := env.svc.Create(context.Background(), "owner-1", validRequest())
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Create() error = %v, want the validation error", err)
	}

	job := env.onlyJob(t)
	if got := apperrors.IDOf(err); got != job.ID {
		t.Errorf("error names job %q, want the failed job %q", got, job.ID)
	}
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) || appErr.Field != "assets[1].url" {
		t.Errorf("error lost its field: %+v", appErr)
	}
	if job.Status != StatusFailed {
		t.Errorf("Status = %s, want FAILED", job.Status)
	}
	if !strings.HasPrefix(job.Error, "asset validation failed") || !strings.Contains(job.Error, "404") {
		t.Errorf("Error = %q", job.Error)
	}
	if env.provider.starts.Load() != 0 {
		t.Error("job with unreachable assets was dispatched")
	}
	if types := env.events.types(); !slices.Equal(types, []string{EventTypeCreated, EventTypeStatus, EventTypeFailed}) {
		t.Errorf("events = %v", types)
	}
}

func TestService_Create_RetriesTransientDispatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.startErrs = []error{
		apperrors.DispatchTransient("start training", 503, errors.New("unavailable")),
		apperrors.DispatchTransient("start training", 0, errors.New("connection reset")),
	}

	job, err := env.svc.Create(context.Background(), "owner-1", validRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got := env.provider.starts.Load(); got != 3 {
		t.Errorf("StartTraining called %d times, want 3", got)
	}
	if job.Status != StatusQueued {
		t.Errorf("Status = %s", job.Status)
	}
	for _, def := range env.provider.definitions {
		if def.JobID != job.ID {
			t.Errorf("retry used job id %q, want %q", def.JobID, job.ID)
		}
	}
}

func TestService_Create_DispatchFailures(t *testing.T) {
	t.Parallel()

	transient := apperrors.DispatchTransient("start training", 502, errors.New("bad gateway"))

	tests := []struct {
		name      string
		errs      []error
		wantErr   error
		wantCalls int64
	}{
		{
			name:      "rejected is not retried",
			errs:      []error{apperrors.DispatchRejected("start training", 422, errors.New("unknown base model"))},
			wantErr:   apperrors.ErrDispatchRejected,
			wantCalls: 1,
		},
		{
			name:      "transient retries exhausted",
			errs:      []error{transient, transient, transient},
			wantErr:   apperrors.ErrDispatchTransient,
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			env.provider.startErrs = tt.errs

			_, err := env.svc.Create(context.Background(), "owner-1", validRequest())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create() error = %v, want %v", err, tt.wantErr)
			}
			if got := env.provider.starts.Load(); got != tt.wantCalls {
				t.Errorf("StartTraining called %d times, want %d", got, tt.wantCalls)
			}

			job := env.onlyJob(t)
			if got := apperrors.IDOf(err); got != job.ID {
				t.Errorf("error names job %q, want %q", got, job.ID)
			}
			if job.Status != StatusFailed || !strings.HasPrefix(job.Error, "dispatch failed") {
				t.Errorf("job = %s %q", job.Status, job.Error)
			}
			if job.Dispatched() {
				t.Errorf("failed dispatch recorded external id %q", job.ExternalJobID)
			}
		})
	}
}

func TestService_CancelDuringDispatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.started = make(chan struct{})
	env.provider.release = make(chan struct{})

	type result struct {
		job *Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		job, err := env.svc.Create(ctx, "owner-1", validRequest())
		done <- result{job, err}
	}()

	<-env.provider.started
	pending := env.onlyJob(t)
	if pending.Status != StatusPending {
		t.Fatalf("Status during dispatch = %s, want PENDING", pending.Status)
	}

	cancelled, err := env.svc.Cancel(ctx, "owner-1", pending.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("Cancel() status = %s", cancelled.Status)
	}
	if len(env.provider.cancelledIDs()) != 0 {
		t.Error("undispatched job was cancelled remotely")
	}

	close(env.provider.release)
	res := <-done
	if res.err != nil {
		t.Fatalf("Create() error = %v", res.err)
	}
	if res.job.Status != StatusCancelled {
		t.Errorf("Create() status = %s, want CANCELLED kept", res.job.Status)
	}

	stored := env.store.job(t, pending.ID)
	if stored.Status != StatusCancelled || stored.ExternalJobID != "ext-"+pending.ID {
		t.Errorf("stored = %s external %q", stored.Status, stored.ExternalJobID)
	}
	if got := env.provider.cancelledIDs(); !slices.Equal(got, []string{"ext-" + pending.ID}) {
		t.Errorf("remote cancels = %v, want the late dispatch cancelled", got)
	}
}

func TestService_WebhookBeforeDispatchReturns(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.started = make(chan struct{})
	env.provider.release = make(chan struct{})

	type result struct {
		job *Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		job, err := env.svc.Create(ctx, "owner-1", validRequest())
		done <- result{job, err}
	}()

	<-env.provider.started
	pending := env.onlyJob(t)

	// the provider calls back before its start response reaches us
	res, err := env.svc.HandleWebhook(ctx, pending.ID, Update{Code: "in-progress", CurrentStep: testutil.Ptr(3)})
	if err != nil || !res.Applied {
		t.Fatalf("HandleWebhook() = %+v, %v", res, err)
	}

	close(env.provider.release)
	created := <-done
	if created.err != nil {
		t.Fatalf("Create() error = %v", created.err)
	}
	if created.job.ExternalJobID != "ext-"+pending.ID || created.job.Status != StatusProcessing {
		t.Errorf("Create() = %s external %q, want PROCESSING with the external id", created.job.Status, created.job.ExternalJobID)
	}

	stored := env.store.job(t, pending.ID)
	if stored.ExternalJobID != "ext-"+pending.ID || stored.StartedAt == nil {
		t.Errorf("stored external %q startedAt %v, want both recorded", stored.ExternalJobID, stored.StartedAt)
	}
	if stored.Status != StatusProcessing || stored.CurrentStep != 3 {
		t.Errorf("stored = %s step=%d, want the webhook's progress kept", stored.Status, stored.CurrentStep)
	}

	env.provider.status = &Update{Code: "in-progress", CurrentStep: testutil.Ptr(40)}
	synced, err := env.svc.Sync(ctx, "owner-1", pending.ID)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if synced.CurrentStep != 40 {
		t.Errorf("Sync() step = %d, want the poll applied", synced.CurrentStep)
	}
}

func TestService_Cancel_CallerGoesAway(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.store.honorCtx = true
	env.dispatchedJob(t, "job-1", StatusProcessing, 300)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.provider.onCancel = cancel

	job, err := env.svc.Cancel(ctx, "owner-1", "job-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.Status != StatusCancelled {
		t.Errorf("Cancel() status = %s, want CANCELLED", job.Status)
	}
	if stored := env.store.job(t, "job-1"); stored.Status != StatusCancelled {
		t.Errorf("stored status = %s, want CANCELLED", stored.Status)
	}
}

func TestService_Cancel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.dispatchedJob(t, "job-1", StatusProcessing, 300)
	env.clock.Advance(time.Hour)

	job, err := env.svc.Cancel(ctx, "owner-1", "job-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.Status != StatusCancelled || job.CurrentStep != 300 {
		t.Errorf("job = %s step=%d", job.Status, job.CurrentStep)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(testStart.Add(time.Hour)) {
		t.Errorf("CompletedAt = %v", job.CompletedAt)
	}

	again, err := env.svc.Cancel(ctx, "owner-1", "job-1")
	if err != nil || again.Status != StatusCancelled {
		t.Fatalf("second Cancel() = %v, %v", again, err)
	}
	if got := env.provider.cancelledIDs(); !slices.Equal(got, []string{"ext-job-1"}) {
		t.Errorf("remote cancels = %v, want exactly one", got)
	}
	if types := env.events.types(); !slices.Equal(types, []string{EventTypeStatus, EventTypeCancelled}) {
		t.Errorf("events = %v", types)
	}
}

func TestService_Cancel_RemoteUnsupported(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.provider.cancelOK = false
	env.dispatchedJob(t, "job-1", StatusQueued, 0)

	job, err := env.svc.Cancel(context.Background(), "owner-1", "job-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if job.Status != StatusCancelled {
		t.Errorf("Status = %s, want CANCELLED locally", job.Status)
	}
}

func TestService_Cancel_TerminalIsNoop(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	job := env.dispatchedJob(t, "job-1", StatusCompleted, 1000)
	job.FinalModelURL = "https://cdn.example.com/m.safetensors"
	env.store.put(job)

	got, err := env.svc.Cancel(context.Background(), "owner-1", "job-1")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", got.Status)
	}
	if len(env.provider.cancelledIDs()) != 0 {
		t.Error("finished job was cancelled remotely")
	}
}

func TestService_OwnerScoping(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.dispatchedJob(t, "job-1", StatusProcessing, 100)

	calls := map[string]func(owner string) error{
		"get": func(owner string) error {
			_, err := env.svc.Get(ctx, owner, "job-1")
			return err
		},
		"sync": func(owner string) error {
			_, err := env.svc.Sync(ctx, owner, "job-1")
			return err
		},
		"cancel": func(owner string) error {
			_, err := env.svc.Cancel(ctx, owner, "job-1")
			return err
		},
		"delete": func(owner string) error {
			return env.svc.Delete(ctx, owner, "job-1")
		},
	}

	for name, call := range calls {
		if err := call("owner-2"); !errors.Is(err, apperrors.ErrForbidden) {
			t.Errorf("%s as another owner: error = %v, want ErrForbidden", name, err)
		}
		if err := call(""); !errors.Is(err, apperrors.ErrUnauthenticated) {
			t.Errorf("%s without owner: error = %v, want ErrUnauthenticated", name, err)
		}
	}

	if got := env.store.job(t, "job-1"); got.Status != StatusProcessing {
		t.Errorf("job changed by unauthorized calls: %s", got.Status)
	}
	if len(env.provider.cancelledIDs()) != 0 {
		t.Error("unauthorized cancel reached the provider")
	}
}

func TestService_Get(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, "owner-1", validRequest())
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	job, err := env.svc.Get(ctx, "owner-1", created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.Status != StatusQueued || len(job.Assets) != 3 {
		t.Errorf("job = %s with %d assets", job.Status, len(job.Assets))
	}

	if _, err := env.svc.Get(ctx, "owner-1", "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestService_List(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	empty, err := env.svc.List(ctx, "owner-1")
	if err != nil || empty.Jobs == nil || len(empty.Jobs) != 0 {
		t.Fatalf("List() on no jobs = %+v, %v; want an empty non-nil list", empty, err)
	}

	for _, id := range []string{"job-a", "job-b", "job-c"} {
		env.dispatchedJob(t, id, StatusQueued, 0)
		env.clock.Advance(time.Minute)
	}
	other := env.dispatchedJob(t, "job-other", StatusQueued, 0)
	other.OwnerID = "owner-2"
	env.store.put(other)

	list, err := env.svc.List(ctx, "owner-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var ids []string
	for _, j := range list.Jobs {
		ids = append(ids, j.ID)
	}
	if want := []string{"job-c", "job-b", "job-a"}; !slices.Equal(ids, want) {
		t.Errorf("List() = %v, want %v", ids, want)
	}

	if _, err := env.svc.List(ctx, ""); !errors.Is(err, apperrors.ErrUnauthenticated) {
		t.Errorf("List() without owner error = %v", err)
	}
}

func TestService_Sync(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.dispatchedJob(t, "job-1", StatusQueued, 0)
	env.provider.status = &Update{Code: "in-progress", CurrentStep: testutil.Ptr(200), Loss: testutil.Ptr(0.12)}

	job, err := env.svc.Sync(ctx, "owner-1", "job-1")
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if job.Status != StatusProcessing || job.CurrentStep != 200 || job.Progress != 20 {
		t.Errorf("job = %s step=%d progress=%d", job.Status, job.CurrentStep, job.Progress)
	}

	// An older poll answer must not undo what a webhook delivered.
	if _, err := env.svc.HandleWebhook(ctx, "job-1", Update{Code: "sampling", CurrentStep: testutil.Ptr(500)}); err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	job, err = env.svc.Sync(ctx, "owner-1", "job-1")
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if job.Status != StatusSampling || job.CurrentStep != 500 {
		t.Errorf("stale poll regressed job to %s step=%d", job.Status, job.CurrentStep)
	}
}

func TestService_Sync_NoPoll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.provider.statusErr = errors.New("provider must not be polled")

	env.dispatchedJob(t, "job-done", StatusFailed, 10)
	pending := env.dispatchedJob(t, "job-pending", StatusPending, 0)
	pending.ExternalJobID = ""
	env.store.put(pending)

	for _, id := range []string{"job-done", "job-pending"} {
		if _, err := env.svc.Sync(ctx, "owner-1", id); err != nil {
			t.Errorf("Sync(%s) error = %v", id, err)
		}
	}
}

func TestService_Sync_PollError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.dispatchedJob(t, "job-1", StatusQueued, 0)
	env.provider.statusErr = apperrors.DispatchTransient("get status", 503, errors.New("unavailable"))

	_, err := env.svc.Sync(context.Background(), "owner-1", "job-1")
	if !errors.Is(err, apperrors.ErrDispatchTransient) {
		t.Errorf("Sync() error = %v, want the provider error", err)
	}
	if got := env.store.job(t, "job-1"); got.Status != StatusQueued {
		t.Errorf("failed poll changed status to %s", got.Status)
	}
}

func TestService_Delete(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.dispatchedJob(t, "job-1", StatusProcessing, 100)

	if err := env.svc.Delete(ctx, "owner-1", "job-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := env.svc.Get(ctx, "owner-1", "job-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if len(env.provider.cancelledIDs()) != 0 {
		t.Error("Delete() cancelled the remote job")
	}
	if err := env.svc.Delete(ctx, "owner-1", "job-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestService_HandleWebhook(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.dispatchedJob(t, "job-1", StatusQueued, 0)
	env.dispatchedJob(t, "job-2", StatusQueued, 0)

	res, err := env.svc.HandleWebhook(ctx, "job-1", Update{Code: "initializing", ReportedJobID: "job-2"})
	if err != nil {
		t.Fatalf("HandleWebhook() error = %v", err)
	}
	if !res.Applied || res.Job.ID != "job-1" || res.Job.Status != StatusInitializing {
		t.Errorf("HandleWebhook() = applied=%v job=%s status=%s", res.Applied, res.Job.ID, res.Job.Status)
	}
	if got := env.store.job(t, "job-2"); got.Status != StatusQueued {
		t.Errorf("job named in payload changed to %s", got.Status)
	}

	if _, err := env.svc.HandleWebhook(ctx, "missing", Update{Code: "queued"}); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("HandleWebhook(missing) error = %v, want ErrNotFound", err)
	}
}

func TestService_CallbackURL(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	if got, want := env.svc.CallbackURL("a b/c"), "https://api.example.com/webhooks/training/a%20b%2Fc"; got != want {
		t.Errorf("CallbackURL() = %q, want %q", got, want)
	}
}
