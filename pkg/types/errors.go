package types

import "errors"

// Error taxonomy for coordinator operations. Callers classify failures with
// errors.Is; wrapped errors carry the specific detail.
var (
	// ErrInvalidRequest marks a malformed client operation. The job is
	// never created.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound marks an operation referencing a job unknown to both the
	// in-memory registry and the durable store.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidState marks an operation that is illegal for the job's
	// current status, such as cancelling a completed job.
	ErrInvalidState = errors.New("operation not valid in current job state")

	// ErrBackend marks a calculation backend failure. Terminal for the
	// affected job or unit, never escalated to the dispatch loop.
	ErrBackend = errors.New("calculation backend error")

	// ErrTimeout marks a backend call that exceeded its allotted time.
	// Treated like ErrBackend.
	ErrTimeout = errors.New("calculation backend timed out")

	// ErrStorage marks a durable store failure. In-memory state still
	// advances; persistence is retried best-effort.
	ErrStorage = errors.New("durable store error")
)
