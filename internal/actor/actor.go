// ============================================================================
// Coordinator Actor - single-writer owner of one partition key
// ============================================================================
//
// One Actor owns the Job Registry and Session Registry for one owner key.
// Every mutation flows through a single goroutine fed by an unbuffered
// command channel, so no two operations interleave their state changes and
// the registries need no external locking discipline.
//
// Long-running work never blocks the loop: StartJob spawns a detached
// executor goroutine (executor.go) which reports transitions back into the
// loop through the same command channel. The loop also owns a recurring
// hibernation tick that checkpoints and evicts long-idle jobs nobody is
// watching.
//
// Shutdown order matters: stop the loop, cancel executor contexts, wait for
// executors, checkpoint whatever is still active, then release the
// registries.
//
// ============================================================================

package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inwardlab/session-coordinator/internal/engine"
	"github.com/inwardlab/session-coordinator/internal/metrics"
	"github.com/inwardlab/session-coordinator/internal/registry"
	"github.com/inwardlab/session-coordinator/internal/store"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

var log = slog.Default()

// ErrStopped reports an operation against an actor that has shut down.
var ErrStopped = errors.New("coordinator actor stopped")

// Cancellation causes distinguished by executors when their job context
// ends.
var (
	errCancelled  = errors.New("job cancelled")
	errHibernated = errors.New("job hibernated")
	errShutdown   = errors.New("coordinator shutting down")
)

// Config carries the collaborators and tunables of an actor.
type Config struct {
	Backend engine.Backend
	Store   store.Store
	Metrics *metrics.Collector // optional

	// CallTimeout bounds every backend call (per unit for batches).
	CallTimeout time.Duration
	// Retention keeps terminal jobs queryable in memory after completion.
	Retention time.Duration
	// HibernateAfter is the minimum job age before hibernation eligibility.
	HibernateAfter time.Duration
	// HibernateCheckInterval is the hibernation scheduler tick.
	HibernateCheckInterval time.Duration
	// BatchHibernateCheckEvery checks hibernation eligibility every N
	// completed batch units. The source system used 10; kept as a tunable.
	BatchHibernateCheckEvery int
	// UnitPause is an optional pacing pause between batch units.
	UnitPause time.Duration
	// EstimatePerCall sizes estimated completion times.
	EstimatePerCall time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 5 * time.Minute
	}
	if c.HibernateAfter <= 0 {
		c.HibernateAfter = 2 * time.Minute
	}
	if c.HibernateCheckInterval <= 0 {
		c.HibernateCheckInterval = 30 * time.Second
	}
	if c.BatchHibernateCheckEvery <= 0 {
		c.BatchHibernateCheckEvery = 10
	}
	if c.EstimatePerCall <= 0 {
		c.EstimatePerCall = 15 * time.Second
	}
	return c
}

// Actor coordinates the jobs and subscriber connections of one owner key.
type Actor struct {
	owner    types.OwnerID
	cfg      Config
	jobs     *registry.JobRegistry
	sessions *registry.SessionRegistry
	router   *Router

	cmdCh  chan func()
	stopCh chan struct{}
	doneCh chan struct{}

	execWg   sync.WaitGroup
	stopOnce sync.Once

	lastActive atomic.Int64 // unix nanos of the last client operation

	// cancels and hibTicker are owned by the loop goroutine; Stop touches
	// cancels only after the loop has exited.
	cancels   map[types.JobID]context.CancelCauseFunc
	hibTicker *time.Ticker
}

// New creates and starts an actor for owner.
func New(owner types.OwnerID, cfg Config) *Actor {
	cfg = cfg.withDefaults()
	a := &Actor{
		owner:    owner,
		cfg:      cfg,
		jobs:     registry.NewJobRegistry(cfg.Retention),
		sessions: registry.NewSessionRegistry(),
		cmdCh:    make(chan func()),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		cancels:  make(map[types.JobID]context.CancelCauseFunc),
	}
	a.router = NewRouter(a.sessions, cfg.Metrics)
	a.lastActive.Store(time.Now().UnixNano())
	go a.run()
	return a
}

// Owner returns the partition key this actor serves.
func (a *Actor) Owner() types.OwnerID { return a.owner }

func (a *Actor) run() {
	defer close(a.doneCh)

	// The hibernation ticker runs only while jobs exist: launch arms it,
	// hibernateTick disarms it once the registry drains.
	a.hibTicker = time.NewTicker(a.cfg.HibernateCheckInterval)
	a.hibTicker.Stop()
	defer a.hibTicker.Stop()

	for {
		select {
		case cmd := <-a.cmdCh:
			cmd()
		case <-a.hibTicker.C:
			a.hibernateTick()
		case <-a.stopCh:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (a *Actor) do(fn func()) error {
	done := make(chan struct{})
	select {
	case a.cmdCh <- func() { fn(); close(done) }:
		<-done
		return nil
	case <-a.stopCh:
		return ErrStopped
	}
}

// post runs fn on the actor goroutine without waiting. Posts after shutdown
// are dropped; Stop checkpoints remaining state itself.
func (a *Actor) post(fn func()) {
	select {
	case a.cmdCh <- fn:
	case <-a.stopCh:
	}
}

func (a *Actor) touch() {
	a.lastActive.Store(time.Now().UnixNano())
}

// Idle reports whether the actor has no jobs, no connections, and no client
// activity within ttl. The manager evicts idle actors.
func (a *Actor) Idle(ttl time.Duration) bool {
	if a.sessions.Count() > 0 || a.jobs.ActiveCount() > 0 {
		return false
	}
	last := time.Unix(0, a.lastActive.Load())
	return time.Since(last) > ttl
}

// Peek returns the in-memory job state without consulting the durable
// store, or nil.
func (a *Actor) Peek(id types.JobID) *types.Job {
	return a.jobs.Get(id)
}

// ============================================================================
// Client operations
// ============================================================================

// Subscribe registers a connection for owner and returns the snapshot of
// in-flight and recent jobs so a (re)connecting client can rehydrate
// without polling. Hibernating jobs from the durable store are included so
// the client can discover and resume them.
func (a *Actor) Subscribe(ctx context.Context, sub registry.Subscriber, owner types.OwnerID) ([]*types.Job, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: ownerId is required", types.ErrInvalidRequest)
	}
	var snapshot []*types.Job
	err := a.do(func() {
		a.touch()
		a.sessions.Register(sub, owner)
		a.cfg.Metrics.SetSubscribers(a.sessions.Count())
		snapshot = a.snapshot(ctx, owner)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// snapshot merges in-memory jobs with non-terminal durable ones. Runs on
// the loop goroutine.
func (a *Actor) snapshot(ctx context.Context, owner types.OwnerID) []*types.Job {
	jobs := a.jobs.ListByOwner(owner)
	seen := make(map[types.JobID]bool, len(jobs))
	for _, job := range jobs {
		seen[job.ID] = true
	}

	durable, err := a.cfg.Store.ListByOwner(ctx, owner)
	if err != nil {
		log.Warn("snapshot durable lookup failed", "owner", owner, "error", err)
		return jobs
	}
	for _, job := range durable {
		if seen[job.ID] || job.Status.Terminal() {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// Unsubscribe removes a connection. Safe to call after disconnect.
func (a *Actor) Unsubscribe(sub registry.Subscriber) {
	_ = a.do(func() {
		a.sessions.Unregister(sub)
		a.cfg.Metrics.SetSubscribers(a.sessions.Count())
	})
}

// StartJob validates the request, creates the job in status pending,
// checkpoints it, and schedules background execution. It returns as soon as
// the job is accepted; completion arrives through the broadcast stream.
func (a *Actor) StartJob(owner types.OwnerID, kind types.JobKind, params []byte) (*types.Job, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: ownerId is required", types.ErrInvalidRequest)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown job kind %q", types.ErrInvalidRequest, kind)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: parameters are required", types.ErrInvalidRequest)
	}
	// Reject undecomposable payloads synchronously so the job is never
	// created.
	if kind.Batch() {
		if _, err := decomposeUnits(kind, params); err != nil {
			return nil, err
		}
	} else {
		if _, _, err := singleCall(kind, params); err != nil {
			return nil, err
		}
	}

	var (
		job    *types.Job
		addErr error
	)
	err := a.do(func() {
		a.touch()
		now := time.Now()
		job = &types.Job{
			ID:                    types.JobID(uuid.NewString()),
			OwnerID:               owner,
			Kind:                  kind,
			Status:                types.StatusPending,
			Parameters:            params,
			CreatedAt:             now,
			UpdatedAt:             now,
			EstimatedCompletionAt: now.Add(a.estimate(kind, params)),
		}
		if addErr = a.jobs.Add(job); addErr != nil {
			return
		}
		a.persist(job)
		a.cfg.Metrics.RecordStarted(string(kind))
		a.cfg.Metrics.SetActiveJobs(a.jobs.ActiveCount())
		a.router.Broadcast(job)
		a.launch(job)
	})
	if err != nil {
		return nil, err
	}
	if addErr != nil {
		return nil, addErr
	}
	return job.Clone(), nil
}

// launch spawns the background executor for job. Runs on the loop
// goroutine.
func (a *Actor) launch(job *types.Job) {
	ctx, cancel := context.WithCancelCause(context.Background())
	a.cancels[job.ID] = cancel
	a.hibTicker.Reset(a.cfg.HibernateCheckInterval)
	a.execWg.Add(1)
	go a.runJob(ctx, job.Clone())
}

// GetStatus returns the job, consulting memory first and falling back to
// the durable store for hibernated or evicted jobs.
func (a *Actor) GetStatus(ctx context.Context, id types.JobID) (*types.Job, error) {
	var job *types.Job
	if err := a.do(func() {
		a.touch()
		job = a.jobs.Get(id)
	}); err == nil && job != nil {
		return job, nil
	}
	return a.cfg.Store.LoadJob(ctx, id)
}

// Cancel marks a pending or processing job as error="cancelled".
// Cancellation is cooperative: an in-flight backend call is allowed to
// finish and its result is discarded.
func (a *Actor) Cancel(ctx context.Context, id types.JobID) error {
	var opErr error
	err := a.do(func() {
		a.touch()
		job := a.jobs.Get(id)
		if job == nil {
			durable, lerr := a.cfg.Store.LoadJob(ctx, id)
			if lerr != nil {
				opErr = lerr
				return
			}
			switch durable.Status {
			case types.StatusPending, types.StatusProcessing:
				// Orphaned by a crashed or restarted instance. Nothing is
				// executing it here, so settle the durable copy directly.
				durable.Status = types.StatusError
				durable.Error = types.CancelReason
				durable.Result = nil
				durable.UpdatedAt = time.Now()
				a.persist(durable)
				a.cfg.Metrics.RecordCancelled()
				a.router.Broadcast(durable)
				log.Info("orphaned job cancelled", "jobID", id, "owner", a.owner)
			default:
				opErr = fmt.Errorf("%w: job %s is %s", types.ErrInvalidState, id, durable.Status)
			}
			return
		}
		if job.Status.Terminal() {
			opErr = fmt.Errorf("%w: job %s is %s", types.ErrInvalidState, id, job.Status)
			return
		}
		updated, merr := a.jobs.MarkError(id, types.CancelReason)
		if merr != nil {
			opErr = merr
			return
		}
		if cancel, ok := a.cancels[id]; ok {
			cancel(errCancelled)
			delete(a.cancels, id)
		}
		a.persist(updated)
		a.cfg.Metrics.RecordCancelled()
		a.cfg.Metrics.SetActiveJobs(a.jobs.ActiveCount())
		a.router.Broadcast(updated)
		log.Info("job cancelled", "jobID", id, "owner", a.owner)
	})
	if err != nil {
		return err
	}
	return opErr
}

// Resume reloads a hibernating job from the durable store, restores it to
// processing with its checkpointed progress intact, and relaunches
// execution for the remaining work.
func (a *Actor) Resume(ctx context.Context, id types.JobID) error {
	var opErr error
	err := a.do(func() {
		a.touch()
		if existing := a.jobs.Get(id); existing != nil {
			opErr = fmt.Errorf("%w: job %s is %s, want hibernating", types.ErrInvalidState, id, existing.Status)
			return
		}
		durable, lerr := a.cfg.Store.LoadJob(ctx, id)
		if lerr != nil {
			opErr = lerr
			return
		}
		if durable.Status != types.StatusHibernating {
			opErr = fmt.Errorf("%w: job %s is %s, want hibernating", types.ErrInvalidState, id, durable.Status)
			return
		}
		durable.Status = types.StatusProcessing
		durable.UpdatedAt = time.Now()
		if rerr := a.jobs.Reinsert(durable); rerr != nil {
			opErr = rerr
			return
		}
		a.persist(durable)
		a.cfg.Metrics.RecordResumed()
		a.cfg.Metrics.SetActiveJobs(a.jobs.ActiveCount())
		a.router.Broadcast(durable)
		a.launch(durable)
		log.Info("job resumed", "jobID", id, "owner", a.owner, "progress", durable.Progress)
	})
	if err != nil {
		return err
	}
	return opErr
}

// ============================================================================
// Executor-reported transitions (loop side)
// ============================================================================

// beginJob moves a freshly launched job from pending to processing, or
// confirms a resumed job may proceed. Returns false when the job was
// cancelled before its first step; no backend call is issued in that case.
func (a *Actor) beginJob(id types.JobID) bool {
	ok := false
	_ = a.do(func() {
		job := a.jobs.Get(id)
		if job == nil {
			return
		}
		switch job.Status {
		case types.StatusPending:
			updated, err := a.jobs.MarkProcessing(id)
			if err != nil {
				return
			}
			a.persist(updated)
			a.router.Broadcast(updated)
			ok = true
		case types.StatusProcessing: // resume path, already transitioned
			ok = true
		}
	})
	return ok
}

func (a *Actor) reportProgress(id types.JobID, progress int) {
	a.post(func() {
		updated, err := a.jobs.SetProgress(id, progress)
		if err != nil {
			return // settled or hibernated meanwhile
		}
		a.persist(updated)
		a.router.Broadcast(updated)
	})
}

func (a *Actor) reportComplete(id types.JobID, result []byte) {
	a.post(func() {
		updated, err := a.jobs.MarkComplete(id, result)
		if err != nil {
			return // cancelled or hibernated first; discard
		}
		delete(a.cancels, id)
		a.persist(updated)
		a.cfg.Metrics.RecordCompleted(string(updated.Kind), time.Since(updated.CreatedAt))
		a.cfg.Metrics.SetActiveJobs(a.jobs.ActiveCount())
		a.router.Broadcast(updated)
		log.Debug("job complete", "jobID", id, "owner", a.owner)
	})
}

func (a *Actor) reportError(id types.JobID, reason string) {
	a.post(func() {
		updated, err := a.jobs.MarkError(id, reason)
		if err != nil {
			return
		}
		delete(a.cancels, id)
		a.persist(updated)
		a.cfg.Metrics.RecordFailed(string(updated.Kind), time.Since(updated.CreatedAt))
		a.cfg.Metrics.SetActiveJobs(a.jobs.ActiveCount())
		a.router.Broadcast(updated)
		log.Warn("job failed", "jobID", id, "owner", a.owner, "reason", reason)
	})
}

// ============================================================================
// Hibernation scheduler
// ============================================================================

// hibernateTick scans for jobs that have been processing for a while with
// nobody watching, checkpoints them, and evicts them from memory. Runs on
// the loop goroutine.
func (a *Actor) hibernateTick() {
	for _, job := range a.jobs.Active() {
		if a.hibernationEligible(job) {
			a.hibernate(job.ID)
		}
	}
	if a.jobs.ActiveCount() == 0 {
		a.hibTicker.Stop()
	}
}

// hibernationEligible: processing, older than the threshold, and no live
// subscriber for the owner on this actor. A watcher present means
// suspending would visibly stall their progress feed.
func (a *Actor) hibernationEligible(job *types.Job) bool {
	if job.Status != types.StatusProcessing {
		return false
	}
	if time.Since(job.CreatedAt) < a.cfg.HibernateAfter {
		return false
	}
	return !a.sessions.HasOwner(job.OwnerID)
}

// hibernate checkpoints and evicts one job. Runs on the loop goroutine.
func (a *Actor) hibernate(id types.JobID) {
	updated, err := a.jobs.MarkHibernating(id)
	if err != nil {
		return
	}
	if cancel, ok := a.cancels[id]; ok {
		cancel(errHibernated)
		delete(a.cancels, id)
	}
	a.persist(updated)
	a.cfg.Metrics.RecordHibernated()
	a.cfg.Metrics.SetActiveJobs(a.jobs.ActiveCount())
	a.router.Broadcast(updated)
	log.Info("job hibernated", "jobID", id, "owner", a.owner, "progress", updated.Progress)
}

// checkHibernate is the batch executor's between-units eligibility probe.
func (a *Actor) checkHibernate(id types.JobID) {
	a.post(func() {
		if job := a.jobs.Get(id); job != nil && a.hibernationEligible(job) {
			a.hibernate(id)
		}
	})
}

// ============================================================================
// Checkpointing and shutdown
// ============================================================================

// persist checkpoints one job to the durable store. A failed write never
// blocks live clients: the in-memory state has already advanced and will be
// re-written at the next transition.
func (a *Actor) persist(job *types.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.cfg.Store.SaveJob(ctx, job); err != nil {
		log.Error("checkpoint write failed", "jobID", job.ID, "error", err)
		a.cfg.Metrics.RecordStorageError()
	}
}

// Stop shuts the actor down: loop first, then executors, then a final
// checkpoint of everything still active so a future instance can resume it.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		<-a.doneCh

		for id, cancel := range a.cancels {
			cancel(errShutdown)
			delete(a.cancels, id)
		}
		a.execWg.Wait()

		// Checkpoint survivors. Processing jobs go down as hibernating
		// so a future instance can resume them from the durable copy.
		for _, job := range a.jobs.Active() {
			if job.Status == types.StatusProcessing {
				if updated, err := a.jobs.MarkHibernating(job.ID); err == nil {
					job = updated
				}
			}
			a.persist(job)
		}
		a.sessions.CloseAll()
		a.cfg.Metrics.SetSubscribers(a.sessions.Count())
		a.jobs.Stop()
	})
}
