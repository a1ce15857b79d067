// Package ledger stores Job records, the single source of truth every other
// component coordinates through.
package ledger

import (
	"context"
	"hpcorchestrator/internal/job"
)

// Ledger is the authoritative job record store.
//
// Concurrency is optimistic: Update re-validates the patch against the stored
// record and refuses to write if another writer got there first. There is no
// row locking across calls.
type Ledger interface {
	// Create inserts a new job. Returns an apperrors.ErrDuplicate error if the
	// id already exists.
	Create(ctx context.Context, j job.Job) error

	// Get returns a job by id or an apperrors.ErrNotFound error.
	Get(ctx context.Context, id string) (*job.Job, error)

	// Update applies a partial patch and returns the stored result.
	// Rejected transitions and lost races return apperrors.ErrConflict.
	Update(ctx context.Context, id string, p job.Patch) (*job.Job, error)

	// ListByState returns jobs in any of the given states, oldest first.
	ListByState(ctx context.Context, states ...job.State) ([]job.Job, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}
