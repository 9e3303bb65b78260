// ============================================================================
// HTTP transport - job API for clients that do not hold a subscription
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/inwardlab/session-coordinator/internal/actor"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

// API exposes the coordinator's job operations over plain HTTP alongside
// the WebSocket stream.
type API struct {
	manager *actor.Manager
}

func NewAPI(manager *actor.Manager) *API {
	return &API{manager: manager}
}

// Routes registers the API and the subscription endpoint on mux.
func (a *API) Routes(mux *http.ServeMux, ws *WSHandler) {
	mux.Handle("/ws", ws)
	mux.HandleFunc("POST /v1/jobs", a.handleStartJob)
	mux.HandleFunc("GET /v1/jobs/{id}", a.handleGetStatus)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", a.handleCancel)
	mux.HandleFunc("POST /v1/jobs/{id}/resume", a.handleResume)
	mux.HandleFunc("GET /healthz", a.handleHealth)
}

type startJobRequest struct {
	OwnerID    types.OwnerID   `json:"ownerId"`
	Kind       types.JobKind   `json:"kind"`
	Parameters json.RawMessage `json:"parameters"`
}

func (a *API) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: request body: %v", types.ErrInvalidRequest, err))
		return
	}
	if req.OwnerID == "" {
		writeError(w, fmt.Errorf("%w: ownerId is required", types.ErrInvalidRequest))
		return
	}
	act, err := a.manager.ForOwner(req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := act.StartJob(req.OwnerID, req.Kind, req.Parameters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedJob{
		JobID:                 job.ID,
		Status:                job.Status,
		EstimatedCompletionAt: job.EstimatedCompletionAt,
	})
}

// acceptedJob is the 202 body of POST /v1/jobs, using the same camelCase
// keys as the subscription frames.
type acceptedJob struct {
	JobID                 types.JobID     `json:"jobId"`
	Status                types.JobStatus `json:"status"`
	EstimatedCompletionAt time.Time       `json:"estimatedCompletionAt"`
}

func (a *API) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	job, err := a.manager.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	if err := a.manager.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(r.PathValue("id"))
	if err := a.manager.Resume(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	job, err := a.manager.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"actors": a.manager.ActorCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("response write failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, types.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, types.ErrBackend), errors.Is(err, types.ErrStorage):
		status = http.StatusBadGateway
	case errors.Is(err, actor.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ============================================================================
// Server lifecycle
// ============================================================================

// Server wires the API and WebSocket handler into one http.Server.
type Server struct {
	httpSrv *http.Server
}

func New(addr string, manager *actor.Manager) *Server {
	mux := http.NewServeMux()
	NewAPI(manager).Routes(mux, NewWSHandler(manager))
	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown. It returns http.ErrServerClosed on a clean
// stop.
func (s *Server) Start() error {
	log.Info("coordinator listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests. Live WebSocket connections are closed
// by the actor shutdown that follows.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
