package registry

import (
	"testing"

	"github.com/inwardlab/session-coordinator/pkg/protocol"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

// fakeSubscriber records delivered messages for assertions.
type fakeSubscriber struct {
	sent   []protocol.ServerMessage
	closed bool
}

func (f *fakeSubscriber) Send(msg protocol.ServerMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSubscriber) Close() { f.closed = true }

func TestSessionRegisterAndForOwner(t *testing.T) {
	r := NewSessionRegistry()

	a1, a2, b1 := &fakeSubscriber{}, &fakeSubscriber{}, &fakeSubscriber{}
	r.Register(a1, "owner-a")
	r.Register(a2, "owner-a")
	r.Register(b1, "owner-b")

	if got := len(r.ForOwner("owner-a")); got != 2 {
		t.Errorf("owner-a connections: got %d, want 2", got)
	}
	if got := len(r.ForOwner("owner-b")); got != 1 {
		t.Errorf("owner-b connections: got %d, want 1", got)
	}
	if r.Count() != 3 {
		t.Errorf("total connections: got %d, want 3", r.Count())
	}
}

func TestSessionHasOwner(t *testing.T) {
	r := NewSessionRegistry()

	if r.HasOwner("owner-a") {
		t.Error("empty registry reports a watcher")
	}

	sub := &fakeSubscriber{}
	r.Register(sub, "owner-a")
	if !r.HasOwner("owner-a") {
		t.Error("registered owner not reported")
	}
	if r.HasOwner(types.OwnerID("owner-b")) {
		t.Error("unrelated owner reported as watched")
	}

	r.Unregister(sub)
	if r.HasOwner("owner-a") {
		t.Error("unregistered owner still reported")
	}
}

func TestSessionUnregisterUnknownIsNoop(t *testing.T) {
	r := NewSessionRegistry()
	r.Unregister(&fakeSubscriber{})
	if r.Count() != 0 {
		t.Errorf("count: got %d, want 0", r.Count())
	}
}

func TestSessionCloseAll(t *testing.T) {
	r := NewSessionRegistry()
	subs := []*fakeSubscriber{{}, {}, {}}
	for _, s := range subs {
		r.Register(s, "owner-a")
	}

	r.CloseAll()

	if r.Count() != 0 {
		t.Errorf("count after CloseAll: got %d, want 0", r.Count())
	}
	for i, s := range subs {
		if !s.closed {
			t.Errorf("subscriber %d not closed", i)
		}
	}
}
