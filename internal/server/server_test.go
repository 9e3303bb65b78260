package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inwardlab/session-coordinator/internal/actor"
	"github.com/inwardlab/session-coordinator/internal/store"
	"github.com/inwardlab/session-coordinator/pkg/protocol"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type stubBackend struct{}

func (stubBackend) Calculate(_ context.Context, _ string, input json.RawMessage) (json.RawMessage, error) {
	if input == nil {
		return json.RawMessage(`{}`), nil
	}
	return input, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	manager := actor.NewManager(actor.ManagerConfig{
		Actor: actor.Config{
			Backend: stubBackend{},
			Store:   store.NewMemory(),
		},
	})
	t.Cleanup(manager.Stop)

	mux := http.NewServeMux()
	NewAPI(manager).Routes(mux, NewWSHandler(manager))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) *types.Job {
	t.Helper()
	defer resp.Body.Close()
	var job types.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &job
}

func startTestJob(t *testing.T, srv *httptest.Server, owner string) acceptedJob {
	t.Helper()
	resp := postJSON(t, srv.URL+"/v1/jobs", map[string]any{
		"ownerId":    owner,
		"kind":       "calculation",
		"parameters": map[string]any{"engine": "echo", "input": map[string]int{"n": 1}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start job: got %d, want 202", resp.StatusCode)
	}
	var acc acceptedJob
	if err := json.NewDecoder(resp.Body).Decode(&acc); err != nil {
		t.Fatalf("decode accepted job: %v", err)
	}
	return acc
}

func waitForJobStatus(t *testing.T, srv *httptest.Server, id types.JobID, want types.JobStatus) *types.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/v1/jobs/" + string(id))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		job := decodeJob(t, resp)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

// ============================================================================
// REST API
// ============================================================================

func TestStartJobEndpoint(t *testing.T) {
	srv := newTestServer(t)

	job := startTestJob(t, srv, "owner-a")
	if job.JobID == "" {
		t.Fatal("accepted job has no jobId")
	}
	if job.Status != types.StatusPending {
		t.Errorf("accepted status: got %s, want pending", job.Status)
	}
	if job.EstimatedCompletionAt.IsZero() {
		t.Error("accepted job has no estimatedCompletionAt")
	}

	final := waitForJobStatus(t, srv, job.JobID, types.StatusComplete)
	if final.Progress != 100 {
		t.Errorf("final progress: got %d, want 100", final.Progress)
	}
}

func TestStartJobRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing owner", map[string]any{"kind": "calculation", "parameters": map[string]any{"engine": "echo"}}},
		{"unknown kind", map[string]any{"ownerId": "o", "kind": "mystery", "parameters": map[string]any{"engine": "echo"}}},
		{"missing engine", map[string]any{"ownerId": "o", "kind": "calculation", "parameters": map[string]any{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/jobs", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	srv := newTestServer(t)

	job := startTestJob(t, srv, "owner-a")
	waitForJobStatus(t, srv, job.JobID, types.StatusComplete)

	resp := postJSON(t, srv.URL+"/v1/jobs/"+string(job.JobID)+"/cancel", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("cancel of complete job: got %d, want 409", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
}

// ============================================================================
// WebSocket endpoint
// ============================================================================

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg protocol.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func subscribeWS(t *testing.T, conn *websocket.Conn, owner string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "ownerId": owner}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if msg := readFrame(t, conn); msg.Type != protocol.TypeConnected {
		t.Fatalf("first frame: got %s, want connected", msg.Type)
	}
	if msg := readFrame(t, conn); msg.Type != protocol.TypeActiveJobs {
		t.Fatalf("second frame: got %s, want active_jobs", msg.Type)
	}
}

func TestWSRequiresSubscribeFirst(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv)

	if err := conn.WriteJSON(map[string]string{"type": "get_status", "jobId": "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Type != protocol.TypeError {
		t.Fatalf("got %s, want error", msg.Type)
	}
	if !strings.Contains(msg.Error, "subscribe") {
		t.Errorf("error text: %q", msg.Error)
	}
}

func TestWSJobLifecycleStream(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv)
	subscribeWS(t, conn, "owner-a")

	// The frame names no ownerId; the subscription binding supplies it.
	start := map[string]any{
		"type":       "start_job",
		"kind":       "calculation",
		"parameters": map[string]any{"engine": "echo", "input": map[string]int{"n": 7}},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("start_job: %v", err)
	}

	// Collect updates until the job completes; progress must be monotonic
	var jobID types.JobID
	last := -1
	for {
		msg := readFrame(t, conn)
		if msg.Type != protocol.TypeJobUpdate {
			t.Fatalf("unexpected frame %s", msg.Type)
		}
		if jobID == "" {
			jobID = msg.JobID
		} else if msg.JobID != jobID {
			t.Fatalf("update for foreign job %s", msg.JobID)
		}
		if msg.Progress == nil {
			t.Fatal("update without progress")
		}
		if *msg.Progress < last {
			t.Fatalf("progress went backwards: %d after %d", *msg.Progress, last)
		}
		last = *msg.Progress
		if msg.Status == types.StatusComplete {
			if *msg.Progress != 100 {
				t.Errorf("final progress: got %d, want 100", *msg.Progress)
			}
			break
		}
		if msg.Status == types.StatusError {
			t.Fatalf("job failed: %s", msg.Error)
		}
	}
}

func TestWSSnapshotOnReconnect(t *testing.T) {
	srv := newTestServer(t)

	// A job created over REST is visible in a later subscriber's snapshot
	job := startTestJob(t, srv, "owner-a")
	waitForJobStatus(t, srv, job.JobID, types.StatusComplete)

	conn := dialWS(t, srv)
	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "ownerId": "owner-a"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if msg := readFrame(t, conn); msg.Type != protocol.TypeConnected {
		t.Fatalf("got %s, want connected", msg.Type)
	}
	snapshot := readFrame(t, conn)
	if snapshot.Type != protocol.TypeActiveJobs {
		t.Fatalf("got %s, want active_jobs", snapshot.Type)
	}
	found := false
	for _, j := range snapshot.Jobs {
		if j.ID == job.JobID {
			found = true
			if j.Status != types.StatusComplete {
				t.Errorf("snapshot status: got %s, want complete", j.Status)
			}
		}
	}
	if !found {
		t.Errorf("snapshot misses recent job %s (got %d jobs)", job.JobID, len(snapshot.Jobs))
	}
}

func TestWSCrossOwnerIsolation(t *testing.T) {
	srv := newTestServer(t)

	connA := dialWS(t, srv)
	subscribeWS(t, connA, "owner-a")

	// owner-b's job completes; owner-a's stream must stay silent
	job := startTestJob(t, srv, "owner-b")
	waitForJobStatus(t, srv, job.JobID, types.StatusComplete)

	_ = connA.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var msg protocol.ServerMessage
	err := connA.ReadJSON(&msg)
	if err == nil {
		t.Fatalf("owner-a received frame %s for %s", msg.Type, msg.JobID)
	}
}

func TestWSPingPong(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv)
	subscribeWS(t, conn, "owner-a")

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if msg := readFrame(t, conn); msg.Type != protocol.TypePong {
		t.Errorf("got %s, want pong", msg.Type)
	}
}

func TestWSStartJobForeignOwnerRejected(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv)
	subscribeWS(t, conn, "owner-a")

	// Naming a different owner must not create a job in owner-a's actor;
	// it would be invisible to its real owner's subscribers.
	start := map[string]any{
		"type":       "start_job",
		"ownerId":    "owner-b",
		"kind":       "calculation",
		"parameters": map[string]any{"engine": "echo"},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("start_job: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Type != protocol.TypeError {
		t.Fatalf("got %s, want error", msg.Type)
	}
	if !strings.Contains(msg.Error, "ownerId") {
		t.Errorf("error text: %q", msg.Error)
	}
}

func TestWSRejectsOwnerRebind(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv)
	subscribeWS(t, conn, "owner-a")

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "ownerId": "owner-b"}); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Type != protocol.TypeError {
		t.Fatalf("got %s, want error", msg.Type)
	}
}

func TestWSMalformedFrame(t *testing.T) {
	srv := newTestServer(t)
	conn := dialWS(t, srv)
	subscribeWS(t, conn, "owner-a")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Type != protocol.TypeError {
		t.Errorf("got %s, want error", msg.Type)
	}
}
