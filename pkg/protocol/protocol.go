// Package protocol defines the message contract exchanged over a persistent
// subscription connection. The coordinator does not prescribe a transport;
// both sides exchange the JSON frames below on whatever bidirectional
// connection the server exposes.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/inwardlab/session-coordinator/pkg/types"
)

// Client-to-coordinator frame types.
const (
	TypeSubscribe = "subscribe"
	TypeStartJob  = "start_job"
	TypeGetStatus = "get_status"
	TypeCancel    = "cancel"
	TypeResume    = "resume"
	TypePing      = "ping"
)

// Coordinator-to-client frame types.
const (
	TypeConnected  = "connected"
	TypeActiveJobs = "active_jobs"
	TypeJobUpdate  = "job_update"
	TypeError      = "error"
	TypePong       = "pong"
)

// ClientMessage is any frame sent by a client. Type selects the operation;
// the remaining fields are populated as each operation requires.
type ClientMessage struct {
	Type       string          `json:"type"`
	OwnerID    types.OwnerID   `json:"ownerId,omitempty"`
	Kind       types.JobKind   `json:"kind,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	JobID      types.JobID     `json:"jobId,omitempty"`
}

// ServerMessage is any frame sent by the coordinator.
type ServerMessage struct {
	Type      string        `json:"type"`
	OwnerID   types.OwnerID `json:"ownerId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`

	// active_jobs payload.
	Jobs []*types.Job `json:"jobs,omitempty"`

	// job_update payload.
	JobID    types.JobID     `json:"jobId,omitempty"`
	Status   types.JobStatus `json:"status,omitempty"`
	Progress *int            `json:"progress,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`

	// Failure reason for job_update frames, or the error text of an error
	// frame.
	Error string `json:"error,omitempty"`
}

// Connected builds the acknowledgement sent once after a successful subscribe.
func Connected(owner types.OwnerID) ServerMessage {
	return ServerMessage{Type: TypeConnected, OwnerID: owner, Timestamp: time.Now().UTC()}
}

// ActiveJobs builds the snapshot frame sent once on subscribe so a
// reconnecting client can rehydrate without polling.
func ActiveJobs(jobs []*types.Job) ServerMessage {
	return ServerMessage{Type: TypeActiveJobs, Jobs: jobs, Timestamp: time.Now().UTC()}
}

// JobUpdate builds the frame broadcast on every state transition of a job.
func JobUpdate(job *types.Job) ServerMessage {
	p := job.Progress
	return ServerMessage{
		Type:      TypeJobUpdate,
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  &p,
		Result:    job.Result,
		Error:     job.Error,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorFrame builds an error frame for a failed client operation.
func ErrorFrame(err error) ServerMessage {
	return ServerMessage{Type: TypeError, Error: err.Error(), Timestamp: time.Now().UTC()}
}

// Pong answers a client ping.
func Pong() ServerMessage {
	return ServerMessage{Type: TypePong, Timestamp: time.Now().UTC()}
}
