package actor

import (
	"context"
	"testing"
	"time"

	"github.com/inwardlab/session-coordinator/internal/store"
	"github.com/inwardlab/session-coordinator/pkg/types"
)

func newTestManager(t *testing.T, backend *fakeBackend, cfg ManagerConfig) *Manager {
	t.Helper()
	if cfg.Actor.Store == nil {
		cfg.Actor.Store = store.NewMemory()
	}
	cfg.Actor.Backend = backend
	m := NewManager(cfg)
	t.Cleanup(m.Stop)
	return m
}

func mustForOwner(t *testing.T, m *Manager, owner types.OwnerID) *Actor {
	t.Helper()
	act, err := m.ForOwner(owner)
	if err != nil {
		t.Fatalf("actor for %s: %v", owner, err)
	}
	return act
}

func TestManagerOneActorPerOwner(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, ManagerConfig{})

	a1 := mustForOwner(t, m, "owner-a")
	a2 := mustForOwner(t, m, "owner-a")
	b := mustForOwner(t, m, "owner-b")

	if a1 != a2 {
		t.Error("same owner produced two actors")
	}
	if a1 == b {
		t.Error("different owners share an actor")
	}
	if m.ActorCount() != 2 {
		t.Errorf("actor count: got %d, want 2", m.ActorCount())
	}
}

func TestManagerRoutesJobOperations(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, ManagerConfig{})

	act := mustForOwner(t, m, "owner-a")
	job, err := act.StartJob("owner-a", types.KindCalculation, echoParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Job-scoped lookups work without naming the owner
	got, err := m.GetStatus(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("manager status: %v", err)
	}
	if got.OwnerID != "owner-a" {
		t.Errorf("owner: got %s, want owner-a", got.OwnerID)
	}

	_, err = m.GetStatus(context.Background(), "nope")
	if !errorsIs(err, types.ErrNotFound) {
		t.Errorf("unknown job: got %v, want ErrNotFound", err)
	}
	if err := m.Cancel(context.Background(), "nope"); !errorsIs(err, types.ErrNotFound) {
		t.Errorf("cancel unknown job: got %v, want ErrNotFound", err)
	}
}

func TestManagerResumeAfterActorEviction(t *testing.T) {
	st := store.NewMemory()
	m := newTestManager(t, &fakeBackend{}, ManagerConfig{Actor: Config{Store: st}})

	// Durable hibernated job with no live actor anywhere
	now := time.Now()
	job := &types.Job{
		ID: "j-cold", OwnerID: "owner-gone", Kind: types.KindCalculation,
		Status: types.StatusHibernating, Progress: 50,
		Parameters: echoParams(), CreatedAt: now.Add(-time.Hour), UpdatedAt: now,
	}
	if err := st.SaveJob(context.Background(), job); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Resume must create the actor and finish the job
	if err := m.Resume(context.Background(), job.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if m.ActorCount() != 1 {
		t.Errorf("actor count after resume: got %d, want 1", m.ActorCount())
	}
	waitFor(t, 3*time.Second, func() bool {
		got, err := m.GetStatus(context.Background(), job.ID)
		return err == nil && got.Status == types.StatusComplete
	}, "cold job to complete after resume")
}

func TestManagerCrossOwnerIsolation(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, ManagerConfig{})

	actA := mustForOwner(t, m, "owner-a")
	actB := mustForOwner(t, m, "owner-b")

	sub := &recordingSubscriber{}
	if _, err := actA.Subscribe(context.Background(), sub, "owner-a"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	job, err := actB.StartJob("owner-b", types.KindCalculation, echoParams())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForStatus(t, actB, job.ID, types.StatusComplete)

	if got := len(sub.updates(job.ID)); got != 0 {
		t.Errorf("owner-a subscriber saw %d updates for owner-b's job", got)
	}
}

func TestManagerEvictsIdleActors(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, ManagerConfig{
		IdleActorTTL:  time.Millisecond,
		SweepInterval: 5 * time.Millisecond,
	})

	mustForOwner(t, m, "owner-a")
	if m.ActorCount() != 1 {
		t.Fatalf("actor count: got %d, want 1", m.ActorCount())
	}
	waitFor(t, time.Second, func() bool { return m.ActorCount() == 0 }, "idle actor eviction")
}

func TestManagerRejectsNewActorsAfterStop(t *testing.T) {
	m := newTestManager(t, &fakeBackend{}, ManagerConfig{})
	m.Stop()

	if _, err := m.ForOwner("owner-late"); !errorsIs(err, ErrStopped) {
		t.Errorf("ForOwner after Stop: got %v, want ErrStopped", err)
	}
	if m.ActorCount() != 0 {
		t.Errorf("actor count after Stop: got %d, want 0", m.ActorCount())
	}
}
