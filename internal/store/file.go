package store

// File-backed store: one JSON document per job plus one per unit log,
// written atomically (temp file + rename) so a crash mid-write never leaves
// a corrupt checkpoint behind. Suitable for single-node deployments without
// a database.

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

const (
	jobFileSuffix  = ".job.json"
	unitFileSuffix = ".units.json"
)

// File persists jobs as JSON documents under a single directory.
type File struct {
	dir string
	mu  sync.Mutex // serializes read-modify-write of unit logs
}

// NewFile creates the directory if needed and returns a file store.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create store dir: %v", types.ErrStorage, err)
	}
	return &File{dir: dir}, nil
}

func (f *File) jobPath(id types.JobID) string {
	return filepath.Join(f.dir, string(id)+jobFileSuffix)
}

func (f *File) unitPath(id types.JobID) string {
	return filepath.Join(f.dir, string(id)+unitFileSuffix)
}

// writeAtomic writes data via a temp file and rename so readers never see a
// partial document.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", types.ErrStorage, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write temp: %v", types.ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: rename: %v", types.ErrStorage, err)
	}
	return nil
}

func (f *File) SaveJob(ctx context.Context, job *types.Job) error {
	return writeAtomic(f.jobPath(job.ID), job)
}

func (f *File) LoadJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	data, err := os.ReadFile(f.jobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: read job: %v", types.ErrStorage, err)
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("%w: corrupt job file %s: %v", types.ErrStorage, id, err)
	}
	return &job, nil
}

func (f *File) ListByOwner(ctx context.Context, owner types.OwnerID) ([]*types.Job, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list store dir: %v", types.ErrStorage, err)
	}
	var jobs []*types.Job
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, jobFileSuffix) {
			continue
		}
		id := types.JobID(strings.TrimSuffix(name, jobFileSuffix))
		job, err := f.LoadJob(ctx, id)
		if err != nil {
			continue // skip files deleted or corrupted under us
		}
		if job.OwnerID == owner {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (f *File) AppendUnit(ctx context.Context, id types.JobID, unit types.UnitResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	units, err := f.loadUnitsLocked(id)
	if err != nil {
		return err
	}
	replaced := false
	for i := range units {
		if units[i].Index == unit.Index {
			units[i] = unit
			replaced = true
			break
		}
	}
	if !replaced {
		units = append(units, unit)
	}
	return writeAtomic(f.unitPath(id), units)
}

func (f *File) LoadUnits(ctx context.Context, id types.JobID) ([]types.UnitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadUnitsLocked(id)
}

func (f *File) loadUnitsLocked(id types.JobID) ([]types.UnitResult, error) {
	data, err := os.ReadFile(f.unitPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read units: %v", types.ErrStorage, err)
	}
	var units []types.UnitResult
	if err := json.Unmarshal(data, &units); err != nil {
		return nil, fmt.Errorf("%w: corrupt unit file %s: %v", types.ErrStorage, id, err)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Index < units[j].Index })
	return units, nil
}

func (f *File) DeleteJob(ctx context.Context, id types.JobID) error {
	for _, path := range []string{f.jobPath(id), f.unitPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: delete %s: %v", types.ErrStorage, path, err)
		}
	}
	return nil
}

func (f *File) Close() error { return nil }
