package registry

import (
	"sync"
	"time"

	"github.com/inwardlab/session-coordinator/pkg/protocol"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

// Subscriber is one live transport-level connection. Send must be
// non-blocking: a slow or dead connection returns an error instead of
// stalling, and the router treats that as a disconnect.
type Subscriber interface {
	Send(msg protocol.ServerMessage) error
	Close()
}

// SubscriberInfo is the registry's record of one connection.
type SubscriberInfo struct {
	Owner       types.OwnerID
	ConnectedAt time.Time
}

// SessionRegistry tracks the live subscriber connections accepted by one
// coordinator actor. Connections are owned exclusively by that actor and
// carry no persisted state; a reconnecting client re-subscribes.
type SessionRegistry struct {
	mu    sync.RWMutex
	conns map[Subscriber]SubscriberInfo
}

// NewSessionRegistry creates an empty session registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{conns: make(map[Subscriber]SubscriberInfo)}
}

// Register adds a connection authenticated as owner.
func (r *SessionRegistry) Register(sub Subscriber, owner types.OwnerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[sub] = SubscriberInfo{Owner: owner, ConnectedAt: time.Now()}
}

// Unregister removes a connection. Removing an unknown connection is a
// no-op.
func (r *SessionRegistry) Unregister(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, sub)
}

// ForOwner returns every connection registered for owner.
func (r *SessionRegistry) ForOwner(owner types.OwnerID) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []Subscriber
	for sub, info := range r.conns {
		if info.Owner == owner {
			subs = append(subs, sub)
		}
	}
	return subs
}

// HasOwner reports whether at least one connection is registered for owner.
// The hibernation scheduler uses this as its "is anybody watching" check.
func (r *SessionRegistry) HasOwner(owner types.OwnerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, info := range r.conns {
		if info.Owner == owner {
			return true
		}
	}
	return false
}

// Count returns the number of live connections.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and removes every connection.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.conns {
		sub.Close()
		delete(r.conns, sub)
	}
}
