// ============================================================================
// Job Registry - in-memory job state machine
// ============================================================================
//
// One registry per coordinator actor, holding every in-flight job plus a
// bounded window of recently finished ones. The registry enforces the
// lifecycle transitions and the monotonic-progress invariant; it never
// touches the durable store (the actor checkpoints around transitions).
//
// State machine:
//
//	pending -> processing -> {complete, error}
//	processing -> hibernating -> processing (via resume)
//
// Terminal jobs move from the active map into a TTL cache so a client can
// still query them during the retention window; the durable copy outlives
// the in-memory one. Hibernated jobs are removed entirely - they live only
// in the durable store until resumed.
//
// Concurrency: guarded by a RWMutex. The owning actor is the only writer,
// but transports may read concurrently.
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

var (
	// ErrDuplicateJob reports an Add with an ID already tracked.
	ErrDuplicateJob = errors.New("job already exists")
)

// JobRegistry tracks the jobs owned by one coordinator actor.
type JobRegistry struct {
	mu     sync.RWMutex
	active map[types.JobID]*types.Job
	recent *ttlcache.Cache[types.JobID, *types.Job]
}

// NewJobRegistry creates a registry whose terminal jobs stay queryable for
// the given retention window after completion.
func NewJobRegistry(retention time.Duration) *JobRegistry {
	recent := ttlcache.New(
		ttlcache.WithTTL[types.JobID, *types.Job](retention),
		ttlcache.WithDisableTouchOnHit[types.JobID, *types.Job](),
	)
	go recent.Start()

	return &JobRegistry{
		active: make(map[types.JobID]*types.Job),
		recent: recent,
	}
}

// Stop halts the retention eviction loop.
func (r *JobRegistry) Stop() {
	r.recent.Stop()
}

// Add inserts a newly created job. The job must be in status pending.
func (r *JobRegistry) Add(job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[job.ID]; exists {
		return ErrDuplicateJob
	}
	if r.recent.Has(job.ID) {
		return ErrDuplicateJob
	}
	r.active[job.ID] = job
	return nil
}

// Reinsert puts a job back under active tracking after a resume. Unlike Add
// it accepts a job in status processing and preserves its progress.
func (r *JobRegistry) Reinsert(job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.active[job.ID]; exists {
		return ErrDuplicateJob
	}
	r.active[job.ID] = job
	return nil
}

// Get returns the tracked job, consulting active jobs first and then the
// retention cache. Returns nil when the job is not in memory.
func (r *JobRegistry) Get(id types.JobID) *types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if job, ok := r.active[id]; ok {
		return job.Clone()
	}
	if item := r.recent.Get(id); item != nil {
		return item.Value().Clone()
	}
	return nil
}

// MarkProcessing transitions pending -> processing.
func (r *JobRegistry) MarkProcessing(id types.JobID) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if job.Status != types.StatusPending {
		return nil, fmt.Errorf("%w: %s is %s, want pending", types.ErrInvalidState, id, job.Status)
	}
	job.Status = types.StatusProcessing
	job.UpdatedAt = time.Now()
	return job.Clone(), nil
}

// SetProgress raises the job's progress. Progress is monotonic: a value
// below the current one is ignored, not an error, so late executor updates
// can never walk progress backwards.
func (r *JobRegistry) SetProgress(id types.JobID, progress int) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if job.Status != types.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s, want processing", types.ErrInvalidState, id, job.Status)
	}
	if progress > 100 {
		progress = 100
	}
	if progress > job.Progress {
		job.Progress = progress
		job.UpdatedAt = time.Now()
	}
	return job.Clone(), nil
}

// MarkComplete transitions processing -> complete and records the result.
// The job moves into the retention cache.
func (r *JobRegistry) MarkComplete(id types.JobID, result []byte) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if job.Status != types.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s, want processing", types.ErrInvalidState, id, job.Status)
	}
	job.Status = types.StatusComplete
	job.Progress = 100
	job.Result = result
	job.Error = ""
	job.UpdatedAt = time.Now()

	delete(r.active, id)
	r.recent.Set(id, job, ttlcache.DefaultTTL)
	return job.Clone(), nil
}

// MarkError transitions pending/processing -> error with the given reason.
// The job moves into the retention cache.
func (r *JobRegistry) MarkError(id types.JobID, reason string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if job.Status.Terminal() || job.Status == types.StatusHibernating {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrInvalidState, id, job.Status)
	}
	job.Status = types.StatusError
	job.Error = reason
	job.Result = nil
	job.UpdatedAt = time.Now()

	delete(r.active, id)
	r.recent.Set(id, job, ttlcache.DefaultTTL)
	return job.Clone(), nil
}

// MarkHibernating transitions processing -> hibernating and removes the job
// from memory. The caller persists the returned snapshot; the job advances
// again only through an explicit resume.
func (r *JobRegistry) MarkHibernating(id types.JobID) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if job.Status != types.StatusProcessing {
		return nil, fmt.Errorf("%w: %s is %s, want processing", types.ErrInvalidState, id, job.Status)
	}
	job.Status = types.StatusHibernating
	job.UpdatedAt = time.Now()

	delete(r.active, id)
	return job.Clone(), nil
}

// Active returns a snapshot of all active (non-terminal, non-hibernated)
// jobs.
func (r *JobRegistry) Active() []*types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*types.Job, 0, len(r.active))
	for _, job := range r.active {
		jobs = append(jobs, job.Clone())
	}
	return jobs
}

// ActiveCount returns the number of active jobs.
func (r *JobRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// ListByOwner returns active and recently finished jobs for owner, oldest
// first.
func (r *JobRegistry) ListByOwner(owner types.OwnerID) []*types.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var jobs []*types.Job
	for _, job := range r.active {
		if job.OwnerID == owner {
			jobs = append(jobs, job.Clone())
		}
	}
	for _, item := range r.recent.Items() {
		job := item.Value()
		if job.OwnerID == owner {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs
}

// Counts returns per-status job counts for stats and metrics.
func (r *JobRegistry) Counts() map[types.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[types.JobStatus]int)
	for _, job := range r.active {
		counts[job.Status]++
	}
	for _, item := range r.recent.Items() {
		counts[item.Value().Status]++
	}
	return counts
}
