package actor

import (
	"github.com/inwardlab/session-coordinator/internal/metrics"
	"github.com/inwardlab/session-coordinator/internal/registry"
	"github.com/inwardlab/session-coordinator/pkg/protocol"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

// Router fans job updates out to the subscribers registered for the job's
// owner. A connection whose send fails is treated as gone: it is
// unregistered and closed on the spot, and never stalls delivery to the
// others.
type Router struct {
	sessions *registry.SessionRegistry
	metrics  *metrics.Collector
}

func NewRouter(sessions *registry.SessionRegistry, m *metrics.Collector) *Router {
	return &Router{sessions: sessions, metrics: m}
}

// Broadcast delivers one job update. Callers invoke it from the actor loop,
// so per-connection ordering follows transition order.
func (r *Router) Broadcast(job *types.Job) {
	subs := r.sessions.ForOwner(job.OwnerID)
	if len(subs) == 0 {
		return
	}
	msg := protocol.JobUpdate(job)
	for _, sub := range subs {
		if err := sub.Send(msg); err != nil {
			log.Warn("dropping unresponsive subscriber", "owner", job.OwnerID, "error", err)
			r.sessions.Unregister(sub)
			sub.Close()
			r.metrics.RecordBroadcastDrop()
		}
	}
}
