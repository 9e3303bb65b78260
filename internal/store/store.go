// ============================================================================
// Durable State Store - checkpoint persistence for job state
// ============================================================================
//
// The store is the only resource shared across actor instances and across
// process restarts. Layout:
//
//	job:{jobId}        -> full JobState, overwritten on every transition
//	job:{jobId}:units  -> per-unit results of batch jobs, appended
//	                      incrementally
//
// All writes are keyed by job ID and idempotent: re-writing the same
// JobState is safe, so no cross-instance locking is required. Last write
// wins.
//
// ============================================================================

package store

import (
	"context"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

// Store persists job state across process restarts. Implementations must be
// safe for concurrent use. Lookup misses are reported as types.ErrNotFound;
// other failures wrap types.ErrStorage.
type Store interface {
	// SaveJob overwrites the durable copy of job.
	SaveJob(ctx context.Context, job *types.Job) error

	// LoadJob returns the durable copy of the job.
	LoadJob(ctx context.Context, id types.JobID) (*types.Job, error)

	// ListByOwner returns every persisted job belonging to owner.
	ListByOwner(ctx context.Context, owner types.OwnerID) ([]*types.Job, error)

	// AppendUnit records one batch unit result. Appending a unit with an
	// index that already exists overwrites it, keeping replays idempotent.
	AppendUnit(ctx context.Context, id types.JobID, unit types.UnitResult) error

	// LoadUnits returns the accumulated unit results in index order.
	LoadUnits(ctx context.Context, id types.JobID) ([]types.UnitResult, error)

	// DeleteJob removes the job and its units. Deleting an absent job is
	// not an error.
	DeleteJob(ctx context.Context, id types.JobID) error

	// Close releases store resources.
	Close() error
}
