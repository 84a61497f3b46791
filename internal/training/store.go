// Package training implements the lifecycle of fine-tuning jobs run on a remote
// compute provider: the job state machine, the status reconciler that applies
// webhook and poll updates, the caller-facing lifecycle service, and the sweeper
// that times out jobs the provider has gone quiet about.
//
// # Consistency
//
// The Store is the only shared mutable state. Every state change goes through
// Store.Update, which runs the mutation as an atomic read-modify-write on one
// job row, so a webhook and a concurrent sync poll for the same job serialize.
// Updates converge: duplicates and reordered deliveries never regress visible
// progress and never reopen a terminal job.
package training

import (
	"context"
	"time"

	"trainingjobs/pkg/cloudevent"
)

// Store persists jobs and their assets.
type Store interface {
	// Create inserts the job and its assets atomically.
	Create(ctx context.Context, job *Job) error

	// Get returns the job with its assets, or an apperrors.ErrNotFound error.
	Get(ctx context.Context, id string) (*Job, error)

	// ListByOwner returns the owner's jobs, newest first, without assets.
	ListByOwner(ctx context.Context, ownerID string) ([]*Job, error)

	// Update locks the job row, passes the current state to fn and persists
	// the mutated job if fn returns nil. If fn returns an error nothing is
	// written and that error is returned unchanged.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)

	// Delete removes the job and its assets if it belongs to ownerID.
	Delete(ctx context.Context, id, ownerID string) error

	// ListStale returns jobs in one of the given statuses not updated since the cutoff.
	ListStale(ctx context.Context, filter StaleFilter) ([]*Job, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// StaleFilter selects jobs for the sweeper.
type StaleFilter struct {
	Statuses      []Status
	UpdatedBefore time.Time
	Limit         int
}

// Provider is the dispatch client for the remote compute provider.
// It never retries and never touches the Store.
type Provider interface {
	StartTraining(ctx context.Context, def Definition) (*Dispatch, error)
	GetStatus(ctx context.Context, externalJobID string) (*Update, error)
	// Cancel returns false without error when the provider does not support
	// cancelling the job in its current state.
	Cancel(ctx context.Context, externalJobID string) (bool, error)
}

// AssetValidator confirms asset references are reachable before dispatch.
type AssetValidator interface {
	Validate(ctx context.Context, refs []AssetRef) error
}

// EventPublisher delivers lifecycle events to the notification collaborator.
type EventPublisher interface {
	Publish(ctx context.Context, event *cloudevent.CloudEvent) error
}

// Lease guards work that only one service instance should do at a time.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
