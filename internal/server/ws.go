// ============================================================================
// WebSocket transport - subscription stream plus frame-based operations
// ============================================================================
//
// A connection's first frame must be a subscribe naming the owner key; it
// binds the connection to that owner's actor for its whole lifetime. After
// the connected acknowledgment and the active_jobs snapshot, the client
// receives every job_update for that owner and may issue start_job,
// get_status, cancel, and resume frames.
//
// Writes are funneled through a single writer goroutine per connection fed
// by a buffered channel. The actor's broadcast never blocks on a client: a
// full buffer or a dead socket surfaces as a Send error and the router
// drops the connection.
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inwardlab/session-coordinator/internal/actor"
	"github.com/inwardlab/session-coordinator/pkg/protocol"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

var log = slog.Default()

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 512 * 1024
	sendBufferSize = 32
)

// WSHandler upgrades HTTP requests into coordinator subscription streams.
type WSHandler struct {
	manager  *actor.Manager
	upgrader websocket.Upgrader
}

func NewWSHandler(manager *actor.Manager) *WSHandler {
	return &WSHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced upstream.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sub := newWSSubscriber(conn)
	go sub.writePump()
	go h.readPump(sub)
}

// readPump consumes client frames until the connection dies. The first
// frame must be a subscribe; everything else is rejected until the
// connection is bound to an owner.
func (h *WSHandler) readPump(sub *wsSubscriber) {
	var act *actor.Actor
	defer func() {
		if act != nil {
			act.Unsubscribe(sub)
		}
		sub.Close()
	}()

	sub.conn.SetReadLimit(maxFrameSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", "error", err)
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sub.trySend(protocol.ErrorFrame(fmt.Errorf("%w: malformed frame: %v", types.ErrInvalidRequest, err)))
			continue
		}

		if act == nil && msg.Type != protocol.TypeSubscribe {
			sub.trySend(protocol.ErrorFrame(fmt.Errorf("%w: first frame must be subscribe", types.ErrInvalidRequest)))
			continue
		}

		switch msg.Type {
		case protocol.TypeSubscribe:
			bound, err := h.subscribe(sub, act, msg)
			if err != nil {
				sub.trySend(protocol.ErrorFrame(err))
				continue
			}
			act = bound

		case protocol.TypeStartJob:
			// The subscription binding names the owner; a frame-level
			// ownerId is redundant and must match when present.
			if msg.OwnerID != "" && msg.OwnerID != act.Owner() {
				sub.trySend(protocol.ErrorFrame(fmt.Errorf("%w: ownerId does not match the subscribed owner", types.ErrInvalidRequest)))
				continue
			}
			job, err := act.StartJob(act.Owner(), msg.Kind, msg.Parameters)
			if err != nil {
				sub.trySend(protocol.ErrorFrame(err))
				continue
			}
			// The creation broadcast already carried the update; an
			// explicit echo keeps clients that race the registration
			// window informed.
			sub.trySend(protocol.JobUpdate(job))

		case protocol.TypeGetStatus:
			ctx, cancel := opContext()
			job, err := act.GetStatus(ctx, msg.JobID)
			cancel()
			if err != nil {
				sub.trySend(protocol.ErrorFrame(err))
				continue
			}
			sub.trySend(protocol.JobUpdate(job))

		case protocol.TypeCancel:
			ctx, cancel := opContext()
			err := act.Cancel(ctx, msg.JobID)
			cancel()
			if err != nil {
				sub.trySend(protocol.ErrorFrame(err))
			}

		case protocol.TypeResume:
			ctx, cancel := opContext()
			err := act.Resume(ctx, msg.JobID)
			cancel()
			if err != nil {
				sub.trySend(protocol.ErrorFrame(err))
			}

		case protocol.TypePing:
			sub.trySend(protocol.Pong())

		default:
			sub.trySend(protocol.ErrorFrame(fmt.Errorf("%w: unknown message type %q", types.ErrInvalidRequest, msg.Type)))
		}
	}
}

// subscribe binds the connection to the owner's actor and sends the
// connected acknowledgment plus the active-jobs snapshot. Re-subscribing
// to the same owner just refreshes the snapshot.
func (h *WSHandler) subscribe(sub *wsSubscriber, bound *actor.Actor, msg protocol.ClientMessage) (*actor.Actor, error) {
	if msg.OwnerID == "" {
		return nil, fmt.Errorf("%w: ownerId is required", types.ErrInvalidRequest)
	}
	if bound != nil && bound.Owner() != msg.OwnerID {
		return nil, fmt.Errorf("%w: connection already bound to another owner", types.ErrInvalidRequest)
	}

	act := bound
	if act == nil {
		var err error
		act, err = h.manager.ForOwner(msg.OwnerID)
		if err != nil {
			return nil, err
		}
	}
	ctx, cancel := opContext()
	defer cancel()
	jobs, err := act.Subscribe(ctx, sub, msg.OwnerID)
	if err != nil {
		return nil, err
	}
	sub.trySend(protocol.Connected(msg.OwnerID))
	sub.trySend(protocol.ActiveJobs(jobs))
	return act, nil
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// ============================================================================
// wsSubscriber - one connection's send side
// ============================================================================

var errSlowConsumer = errors.New("subscriber send buffer full")

type wsSubscriber struct {
	conn   *websocket.Conn
	sendCh chan protocol.ServerMessage

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newWSSubscriber(conn *websocket.Conn) *wsSubscriber {
	return &wsSubscriber{
		conn:     conn,
		sendCh:   make(chan protocol.ServerMessage, sendBufferSize),
		closedCh: make(chan struct{}),
	}
}

// Send queues a message without blocking. A full buffer means the client
// cannot keep up and the connection is reported dead to the caller.
func (s *wsSubscriber) Send(msg protocol.ServerMessage) error {
	select {
	case <-s.closedCh:
		return errors.New("subscriber closed")
	default:
	}
	select {
	case s.sendCh <- msg:
		return nil
	default:
		return errSlowConsumer
	}
}

// trySend delivers best-effort; delivery failures close the connection via
// the write pump.
func (s *wsSubscriber) trySend(msg protocol.ServerMessage) {
	_ = s.Send(msg)
}

func (s *wsSubscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.closedCh)
		_ = s.conn.Close()
	})
}

// writePump is the sole writer on the connection. It drains the send
// channel and keeps the connection alive with periodic pings.
func (s *wsSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case msg := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closedCh:
			return
		}
	}
}
