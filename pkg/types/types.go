// Package types defines the core domain model shared by the session
// coordinator: jobs, their lifecycle states, and the per-unit results
// produced by batch jobs.
package types

import (
	"encoding/json"
	"time"
)

// JobID uniquely identifies one unit of trackable work. IDs are assigned at
// creation and never reused.
type JobID string

// OwnerID is the partition key that scopes jobs and subscriber connections
// to one coordinator actor instance (typically a user identifier).
type OwnerID string

// JobKind is the closed set of job categories the coordinator accepts.
type JobKind string

const (
	KindCalculation    JobKind = "calculation"     // single engine calculation
	KindDailyForecast  JobKind = "daily_forecast"  // one forecast date
	KindWeeklyForecast JobKind = "weekly_forecast" // N forecast dates, batch-processed
	KindBatch          JobKind = "batch"           // N independent calculations
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	switch k {
	case KindCalculation, KindDailyForecast, KindWeeklyForecast, KindBatch:
		return true
	}
	return false
}

// Batch reports whether jobs of this kind decompose into sub-units.
func (k JobKind) Batch() bool {
	return k == KindBatch || k == KindWeeklyForecast
}

// JobStatus is the job lifecycle state.
//
// State machine:
//
//	pending -> processing -> {complete, error}
//	processing -> hibernating -> processing (via Resume)
//
// complete and error are terminal; no transition leaves them.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusProcessing  JobStatus = "processing"
	StatusHibernating JobStatus = "hibernating"
	StatusComplete    JobStatus = "complete"
	StatusError       JobStatus = "error"
)

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// CancelReason is the error string recorded on a cancelled job.
const CancelReason = "cancelled"

// Job is the unit of trackable work. It is mutated only by the coordinator
// actor that owns it and persisted to the durable store at every status
// transition.
//
// Invariants:
//   - at most one of Result / Error is set, consistent with Status
//   - Progress never decreases over a job's lifetime; hibernate/resume
//     preserves it rather than resetting it
type Job struct {
	ID      JobID   `json:"id"`
	OwnerID OwnerID `json:"owner_id"`
	Kind    JobKind `json:"kind"`

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"` // 0-100

	// Parameters is the opaque input payload, passed through to the
	// calculation backend without interpretation.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Result is set only when Status is complete.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is a human-readable failure reason, set only when Status is error.
	Error string `json:"error,omitempty"`

	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	EstimatedCompletionAt time.Time `json:"estimated_completion_at"`
}

// Clone returns a deep copy safe for use outside the owning actor.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), j.Parameters...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	return &c
}

// UnitResult is the outcome of one batch unit. Units are persisted
// incrementally so partial batch progress survives a crash.
type UnitResult struct {
	Index   int             `json:"index"`
	Label   string          `json:"label,omitempty"`
	Engine  string          `json:"engine,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BatchSummary is the result payload of a completed batch job. A batch
// completes once every unit has been attempted, regardless of individual
// unit outcomes.
type BatchSummary struct {
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Units     []UnitResult `json:"units"`
}
