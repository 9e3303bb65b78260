package store

// SQLite-backed store, the default for deployments. Jobs and unit logs live
// in two tables keyed by job ID; SaveJob is an upsert so checkpoint writes
// stay idempotent under racing resumes (last write wins).

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

// SQLite persists jobs in a local sqlite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary bootstraps) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", types.ErrStorage, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set journal mode: %v", types.ErrStorage, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: set busy timeout: %v", types.ErrStorage, err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending','processing','hibernating','complete','error')),
		progress INTEGER NOT NULL DEFAULT 0,
		parameters TEXT,
		result TEXT,
		error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		estimated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_created_at ON jobs(owner_id, created_at);
	CREATE TABLE IF NOT EXISTS job_units (
		job_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		label TEXT,
		engine TEXT,
		success INTEGER NOT NULL,
		data TEXT,
		error TEXT,
		PRIMARY KEY (job_id, idx)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: init schema: %v", types.ErrStorage, err)
	}
	return nil
}

func (s *SQLite) SaveJob(ctx context.Context, job *types.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, owner_id, kind, status, progress, parameters, result, error, created_at, updated_at, estimated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   progress = excluded.progress,
		   parameters = excluded.parameters,
		   result = excluded.result,
		   error = excluded.error,
		   updated_at = excluded.updated_at,
		   estimated_at = excluded.estimated_at`,
		string(job.ID),
		string(job.OwnerID),
		string(job.Kind),
		string(job.Status),
		job.Progress,
		nullableJSON(job.Parameters),
		nullableJSON(job.Result),
		nullableString(job.Error),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		job.EstimatedCompletionAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: save job %s: %v", types.ErrStorage, job.ID, err)
	}
	return nil
}

func (s *SQLite) LoadJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, owner_id, kind, status, progress, parameters, result, error, created_at, updated_at, estimated_at
		 FROM jobs WHERE id = ?`,
		string(id),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: load job %s: %v", types.ErrStorage, id, err)
	}
	return job, nil
}

func (s *SQLite) ListByOwner(ctx context.Context, owner types.OwnerID) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, owner_id, kind, status, progress, parameters, result, error, created_at, updated_at, estimated_at
		 FROM jobs WHERE owner_id = ? ORDER BY created_at ASC`,
		string(owner),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs for %s: %v", types.ErrStorage, owner, err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan job: %v", types.ErrStorage, err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list jobs for %s: %v", types.ErrStorage, owner, err)
	}
	return jobs, nil
}

func (s *SQLite) AppendUnit(ctx context.Context, id types.JobID, unit types.UnitResult) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO job_units (job_id, idx, label, engine, success, data, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, idx) DO UPDATE SET
		   label = excluded.label,
		   engine = excluded.engine,
		   success = excluded.success,
		   data = excluded.data,
		   error = excluded.error`,
		string(id),
		unit.Index,
		nullableString(unit.Label),
		nullableString(unit.Engine),
		boolToInt(unit.Success),
		nullableJSON(unit.Data),
		nullableString(unit.Error),
	)
	if err != nil {
		return fmt.Errorf("%w: append unit %d of %s: %v", types.ErrStorage, unit.Index, id, err)
	}
	return nil
}

func (s *SQLite) LoadUnits(ctx context.Context, id types.JobID) ([]types.UnitResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT idx, label, engine, success, data, error FROM job_units WHERE job_id = ? ORDER BY idx ASC`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load units of %s: %v", types.ErrStorage, id, err)
	}
	defer rows.Close()

	var units []types.UnitResult
	for rows.Next() {
		var (
			unit          types.UnitResult
			label, engine sql.NullString
			data, errMsg  sql.NullString
			success       int
		)
		if err := rows.Scan(&unit.Index, &label, &engine, &success, &data, &errMsg); err != nil {
			return nil, fmt.Errorf("%w: scan unit: %v", types.ErrStorage, err)
		}
		unit.Label = label.String
		unit.Engine = engine.String
		unit.Success = success != 0
		if data.Valid && data.String != "" {
			unit.Data = json.RawMessage(data.String)
		}
		unit.Error = errMsg.String
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load units of %s: %v", types.ErrStorage, id, err)
	}
	return units, nil
}

func (s *SQLite) DeleteJob(ctx context.Context, id types.JobID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_units WHERE job_id = ?`, string(id)); err != nil {
		return fmt.Errorf("%w: delete units of %s: %v", types.ErrStorage, id, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("%w: delete job %s: %v", types.ErrStorage, id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	var (
		job                            types.Job
		id, owner, kind, status        string
		params, result, errMsg         sql.NullString
		createdAt, updatedAt, estimate int64
	)
	if err := row.Scan(&id, &owner, &kind, &status, &job.Progress, &params, &result, &errMsg, &createdAt, &updatedAt, &estimate); err != nil {
		return nil, err
	}
	job.ID = types.JobID(id)
	job.OwnerID = types.OwnerID(owner)
	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	if params.Valid && params.String != "" {
		job.Parameters = json.RawMessage(params.String)
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	job.Error = errMsg.String
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	job.EstimatedCompletionAt = time.UnixMilli(estimate)
	return &job, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
