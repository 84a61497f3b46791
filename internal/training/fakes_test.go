package training

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/testutil"
	"trainingjobs/pkg/backoff"
	"trainingjobs/pkg/cloudevent"
)

// fakeStore is a map-backed Store. Update holds the lock for the whole
// read-modify-write like the real stores do.
type fakeStore struct {
	mu   sync.Mutex
	jobs map[string]*Job

	// when set, Get and Update fail on a done context like the postgres store
	honorCtx bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]*Job{}}
}

func (s *fakeStore) Create(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return apperrors.Conflict(Resource, job.ID, "exists")
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctxErr(ctx, "get"); err != nil {
		return nil, err
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound(Resource, id)
	}
	return job.Clone(), nil
}

func (s *fakeStore) ListByOwner(ctx context.Context, ownerID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job.Clone())
		}
	}
	slices.SortFunc(jobs, func(a, b *Job) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return jobs, nil
}

func (s *fakeStore) Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctxErr(ctx, "update"); err != nil {
		return nil, err
	}
	current, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound(Resource, id)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *fakeStore) Delete(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return apperrors.NotFound(Resource, id)
	}
	delete(s.jobs, id)
	return nil
}

func (s *fakeStore) ListStale(ctx context.Context, filter StaleFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, job := range s.jobs {
		if slices.Contains(filter.Statuses, job.Status) && job.UpdatedAt.Before(filter.UpdatedBefore) {
			jobs = append(jobs, job.Clone())
		}
	}
	slices.SortFunc(jobs, func(a, b *Job) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }

func (s *fakeStore) ctxErr(ctx context.Context, op string) error {
	if !s.honorCtx || ctx.Err() == nil {
		return nil
	}
	return apperrors.Internal("store."+op, ctx.Err())
}

// put stores job directly, bypassing the service.
func (s *fakeStore) put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
}

func (s *fakeStore) job(t *testing.T, id string) *Job {
	t.Helper()
	job, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return job
}

// fakeProvider scripts StartTraining failures and status answers.
type fakeProvider struct {
	mu          sync.Mutex
	startErrs   []error // consumed in order, nil entries succeed
	startStatus string
	definitions []Definition
	status      *Update
	statusErr   error
	cancelled   []string
	cancelOK    bool
	onCancel    func() // runs inside Cancel

	// when set, StartTraining signals started and waits for release
	started chan struct{}
	release chan struct{}

	starts atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{startStatus: "queued", cancelOK: true}
}

func (p *fakeProvider) StartTraining(ctx context.Context, def Definition) (*Dispatch, error) {
	p.starts.Add(1)
	if p.started != nil {
		close(p.started)
		<-p.release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.definitions = append(p.definitions, def)
	if len(p.startErrs) > 0 {
		err := p.startErrs[0]
		p.startErrs = p.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Dispatch{ExternalJobID: "ext-" + def.JobID, StatusCode: p.startStatus}, nil
}

func (p *fakeProvider) GetStatus(ctx context.Context, externalJobID string) (*Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	if p.status == nil {
		return &Update{}, nil
	}
	u := *p.status
	return &u, nil
}

func (p *fakeProvider) Cancel(ctx context.Context, externalJobID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, externalJobID)
	if p.onCancel != nil {
		p.onCancel()
	}
	return p.cancelOK, nil
}

func (p *fakeProvider) cancelledIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cancelled)
}

type fakeValidator struct {
	err   error
	calls atomic.Int64
}

func (v *fakeValidator) Validate(ctx context.Context, refs []AssetRef) error {
	v.calls.Add(1)
	return v.err
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event *cloudevent.CloudEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type fakeLease struct {
	acquire  bool
	err      error
	released atomic.Int64
}

func (l *fakeLease) Acquire(ctx context.Context) (bool, error) { return l.acquire, l.err }

func (l *fakeLease) Release(ctx context.Context) error {
	l.released.Add(1)
	return nil
}

var (
	testStart   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testBackoff = backoff.Config{Initial: time.Millisecond, Max: time.Millisecond}
)

type testEnv struct {
	svc       *Service
	store     *fakeStore
	provider  *fakeProvider
	validator *fakeValidator
	events    *recordingPublisher
	clock     *testutil.Clock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     newFakeStore(),
		provider:  newFakeProvider(),
		validator: &fakeValidator{},
		events:    &recordingPublisher{},
		clock:     testutil.NewClock(testStart),
	}
	env.svc = NewService(Options{
		Store:           env.store,
		Provider:        env.provider,
		Assets:          env.validator,
		Events:          env.events,
		CallbackBaseURL: "https://api.example.com/",
		DispatchRetries: 2,
		DispatchBackoff: testBackoff,
	})
	env.svc.now = env.clock.Now
	env.svc.reconciler.now = env.clock.Now
	return env
}

func validRequest() *CreateRequest {
	return &CreateRequest{
		Name:           "  portrait-lora ",
		TrainingConfig: TrainingConfig{Steps: 1000, LearningRate: 0.0004, TriggerWord: "ohwx"},
		DatasetConfig:  Settings{"repeats": 10},
		Assets: []AssetInput{
			{URL: "https://cdn.example.com/faces/a.png", Caption: "a photo of ohwx", ContentType: "image/png"},
			{URL: "s3://datasets/faces/b.jpg", Filename: "b.jpg"},
			{URL: "https://cdn.example.com/faces/c.png"},
		},
	}
}

// dispatchedJob stores a job the provider has accepted, in status.
func (e *testEnv) dispatchedJob(t *testing.T, id string, status Status, step int) *Job {
	t.Helper()
	now := e.clock.Now()
	job := &Job{
		ID:             id,
		OwnerID:        "owner-1",
		Name:           id,
		Status:         status,
		CurrentStep:    step,
		TotalSteps:     1000,
		Progress:       step / 10,
		ExternalJobID:  "ext-" + id,
		TrainingConfig: TrainingConfig{Steps: 1000},
		SampleURLs:     []string{},
		CheckpointURLs: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
		StartedAt:      &now,
	}
	e.store.put(job)
	return job
}
