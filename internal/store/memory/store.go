// Package memory provides an in-process job store for tests and local development.
// State does not survive restarts and is not shared between instances.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/training"
)

// Store keeps jobs in a map guarded by a mutex. Update holds the lock for the
// whole read-modify-write, which gives the same per-job atomicity as a row lock.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*training.Job
}

// New creates an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]*training.Job)}
}

// Create inserts the job and its assets.
func (s *Store) Create(ctx context.Context, job *training.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return apperrors.Conflict(training.Resource, job.ID, "training job "+job.ID+" already exists")
	}
	if err := s.checkExternalID(job.ID, job.ExternalJobID); err != nil {
		return err
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job with its assets.
func (s *Store) Get(ctx context.Context, id string) (*training.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound(training.Resource, id)
	}
	return job.Clone(), nil
}

// ListByOwner returns copies of the owner's jobs, newest first, without assets.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*training.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*training.Job
	for _, job := range s.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		c := job.Clone()
		c.Assets = nil
		jobs = append(jobs, c)
	}
	slices.SortFunc(jobs, func(a, b *training.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return jobs, nil
}

// Update applies fn to a copy of the job and stores the copy if fn succeeds.
func (s *Store) Update(ctx context.Context, id string, fn func(*training.Job) error) (*training.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NotFound(training.Resource, id)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := s.checkExternalID(id, next.ExternalJobID); err != nil {
		return nil, err
	}
	// assets are immutable
	next.Assets = current.Assets
	s.jobs[id] = next
	return next.Clone(), nil
}

// Delete removes the job if it belongs to ownerID.
func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return apperrors.NotFound(training.Resource, id)
	}
	delete(s.jobs, id)
	return nil
}

// ListStale returns copies of jobs matching filter, oldest update first.
func (s *Store) ListStale(ctx context.Context, filter training.StaleFilter) ([]*training.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*training.Job
	for _, job := range s.jobs {
		if !slices.Contains(filter.Statuses, job.Status) || !job.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	slices.SortFunc(jobs, func(a, b *training.Job) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// checkExternalID enforces externalJobId uniqueness. Callers hold the lock.
func (s *Store) checkExternalID(id, externalID string) error {
	if externalID == "" {
		return nil
	}
	for otherID, other := range s.jobs {
		if otherID != id && other.ExternalJobID == externalID {
			return apperrors.Conflict(training.Resource, id, "external job id "+externalID+" is already assigned to another job")
		}
	}
	return nil
}

var _ training.Store = (*Store)(nil)
