// ============================================================================
// Actor Manager - one actor per owner key, created on demand
// ============================================================================

package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

// ManagerConfig carries the shared actor config plus manager tunables.
type ManagerConfig struct {
	Actor Config

	// IdleActorTTL evicts actors with no jobs, connections, or client
	// activity for this long.
	IdleActorTTL time.Duration
	// SweepInterval is how often idle actors are looked for.
	SweepInterval time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	c.Actor = c.Actor.withDefaults()
	if c.IdleActorTTL <= 0 {
		c.IdleActorTTL = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Manager maps owner keys to live actors. Transports resolve an actor here
// and call its operations; job-scoped requests that arrive without an owner
// are routed through the durable store.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	actors  map[types.OwnerID]*Actor
	stopped bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		cfg:    cfg.withDefaults(),
		actors: make(map[types.OwnerID]*Actor),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// ForOwner returns the actor for owner, creating it if needed. After Stop
// no new actors are created; a late request would otherwise spawn an actor
// nobody ever stops.
func (m *Manager) ForOwner(owner types.OwnerID) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}
	act, ok := m.actors[owner]
	if !ok {
		act = New(owner, m.cfg.Actor)
		m.actors[owner] = act
		m.cfg.Actor.Metrics.SetActors(len(m.actors))
		log.Debug("actor created", "owner", owner)
	}
	return act, nil
}

// actorForJob resolves the owning actor of a job-scoped request. The
// durable copy is checked first (every job is checkpointed at creation);
// live actor memory covers the window where that first write failed.
func (m *Manager) actorForJob(ctx context.Context, id types.JobID) (*Actor, error) {
	job, err := m.cfg.Actor.Store.LoadJob(ctx, id)
	if err == nil {
		return m.ForOwner(job.OwnerID)
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	m.mu.Lock()
	live := make([]*Actor, 0, len(m.actors))
	for _, act := range m.actors {
		live = append(live, act)
	}
	m.mu.Unlock()
	for _, act := range live {
		if act.Peek(id) != nil {
			return act, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s", types.ErrNotFound, id)
}

// GetStatus resolves the job's owner and queries its actor.
func (m *Manager) GetStatus(ctx context.Context, id types.JobID) (*types.Job, error) {
	act, err := m.actorForJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return act.GetStatus(ctx, id)
}

// Cancel routes a job-scoped cancel to the owning actor.
func (m *Manager) Cancel(ctx context.Context, id types.JobID) error {
	act, err := m.actorForJob(ctx, id)
	if err != nil {
		return err
	}
	return act.Cancel(ctx, id)
}

// Resume routes a job-scoped resume to the owning actor.
func (m *Manager) Resume(ctx context.Context, id types.JobID) error {
	act, err := m.actorForJob(ctx, id)
	if err != nil {
		return err
	}
	return act.Resume(ctx, id)
}

// ActorCount returns the number of live actors.
func (m *Manager) ActorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

func (m *Manager) sweepLoop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep stops and removes actors that have gone idle.
func (m *Manager) sweep() {
	m.mu.Lock()
	var idle []*Actor
	for owner, act := range m.actors {
		if act.Idle(m.cfg.IdleActorTTL) {
			idle = append(idle, act)
			delete(m.actors, owner)
		}
	}
	remaining := len(m.actors)
	m.mu.Unlock()

	for _, act := range idle {
		act.Stop()
		log.Debug("idle actor evicted", "owner", act.Owner())
	}
	if len(idle) > 0 {
		m.cfg.Actor.Metrics.SetActors(remaining)
	}
}

// Stop shuts down the sweep loop and every live actor.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	actors := make([]*Actor, 0, len(m.actors))
	for _, act := range m.actors {
		actors = append(actors, act)
	}
	m.actors = make(map[types.OwnerID]*Actor)
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	for _, act := range actors {
		act.Stop()
	}
	m.cfg.Actor.Metrics.SetActors(0)
}
