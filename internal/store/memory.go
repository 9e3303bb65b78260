package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

// Memory is an in-process Store for tests and single-run tooling. It honors
// the full Store contract but survives nothing.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]*types.Job
	units map[types.JobID][]types.UnitResult
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[types.JobID]*types.Job),
		units: make(map[types.JobID][]types.UnitResult),
	}
}

func (m *Memory) SaveJob(ctx context.Context, job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) LoadJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (m *Memory) ListByOwner(ctx context.Context, owner types.OwnerID) ([]*types.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*types.Job
	for _, job := range m.jobs {
		if job.OwnerID == owner {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (m *Memory) AppendUnit(ctx context.Context, id types.JobID, unit types.UnitResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	units := m.units[id]
	for i := range units {
		if units[i].Index == unit.Index {
			units[i] = unit
			return nil
		}
	}
	m.units[id] = append(units, unit)
	return nil
}

func (m *Memory) LoadUnits(ctx context.Context, id types.JobID) ([]types.UnitResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	units := append([]types.UnitResult(nil), m.units[id]...)
	sort.Slice(units, func(i, j int) bool { return units[i].Index < units[j].Index })
	return units, nil
}

func (m *Memory) DeleteJob(ctx context.Context, id types.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	delete(m.units, id)
	return nil
}

func (m *Memory) Close() error { return nil }
