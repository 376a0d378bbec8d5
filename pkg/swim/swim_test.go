package swim

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dbcore/mergeswim/pkg/clock"
	"github.com/dbcore/mergeswim/pkg/xerrors"
)

func newTestEngine(t *testing.T, registry *MemRegistry, mc *clock.Manual, addr string, seed int64) (*Swim, context.Context, context.CancelFunc) {
	t.Helper()
	cfg := Config{
		BindAddr:  addr,
		UUID:      uuid.New(),
		Clock:     mc,
		Transport: registry.NewTransport(addr),
		Rand:      rand.New(rand.NewSource(seed)),
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Run(ctx)
	return s, ctx, cancel
}

// settle advances the shared manual clock in round-sized steps,
// yielding to the scheduler between steps so each engine's loop
// goroutine can drain what the step produced, until cond reports true
// or the step budget runs out.
func settle(t *testing.T, mc *clock.Manual, step time.Duration, rounds int, cond func() bool) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		mc.Advance(step)
		time.Sleep(2 * time.Millisecond)
		if cond() {
			return
		}
	}
	t.Fatalf("condition not met after %d rounds", rounds)
}

// TestSwimOneLink is spec.md §8 scenario 2: two nodes, one seeded with
// the other's address and UUID; within a couple of protocol rounds
// both tables know about each other, ALIVE.
func TestSwimOneLink(t *testing.T) {
	registry := NewMemRegistry()
	mc := clock.NewManual(time.Unix(0, 0))

	a, _, cancelA := newTestEngine(t, registry, mc, "10.0.0.1:7946", 1)
	defer cancelA()
	b, _, cancelB := newTestEngine(t, registry, mc, "10.0.0.2:7946", 2)
	defer cancelB()

	if err := a.AddMember(b.cfg.Transport.LocalAddr(), b.table.SelfUUID()); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	settle(t, mc, a.cfg.Heartbeat, 20, func() bool {
		bm := b.MemberByUUID(a.table.SelfUUID())
		return bm != nil && bm.isStatus(StatusAlive)
	})

	am := a.MemberByUUID(b.table.SelfUUID())
	if am == nil || !am.isStatus(StatusAlive) {
		t.Fatalf("a's view of b: %+v", am)
	}
}

// TestSwimProbeMember is spec.md §8 scenario 6: an explicit probe of an
// unknown address yields a reply that the caller can observe.
func TestSwimProbeMember(t *testing.T) {
	registry := NewMemRegistry()
	mc := clock.NewManual(time.Unix(0, 0))

	a, _, cancelA := newTestEngine(t, registry, mc, "10.0.0.1:7946", 1)
	defer cancelA()
	b, _, cancelB := newTestEngine(t, registry, mc, "10.0.0.2:7946", 2)
	defer cancelB()

	if err := a.ProbeMember(b.cfg.Transport.LocalAddr()); err != nil {
		t.Fatalf("ProbeMember: %v", err)
	}

	settle(t, mc, a.cfg.Heartbeat, 10, func() bool {
		am := a.MemberByUUID(b.table.SelfUUID())
		return am != nil
	})
}

// TestSwimSuspectDeadAndGC is spec.md §8 scenario 4: a partitioned peer
// accumulates unacked pings, passes through SUSPECTED, lands on DEAD,
// and is eventually GC'd once GCRounds have elapsed.
func TestSwimSuspectDeadAndGC(t *testing.T) {
	registry := NewMemRegistry()
	mc := clock.NewManual(time.Unix(0, 0))

	cfgHeartbeat := 100 * time.Millisecond
	a := mustNewEngine(t, registry, mc, "10.0.0.1:7946", 1, cfgHeartbeat)
	defer a.Delete()
	b := mustNewEngine(t, registry, mc, "10.0.0.2:7946", 2, cfgHeartbeat)
	defer b.Delete()

	if err := a.AddMember(b.cfg.Transport.LocalAddr(), b.table.SelfUUID()); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	a.Run(ctxA)
	defer cancelA()
	ctxB, cancelB := context.WithCancel(context.Background())
	b.Run(ctxB)
	defer cancelB()

	settle(t, mc, cfgHeartbeat, 20, func() bool {
		bm := b.MemberByUUID(a.table.SelfUUID())
		return bm != nil && bm.isStatus(StatusAlive)
	})

	// Partition b out so a's direct and indirect pings both go unanswered.
	registry.Partition(b.cfg.Transport.LocalAddr())

	settle(t, mc, cfgHeartbeat, 200, func() bool {
		am := a.MemberByUUID(b.table.SelfUUID())
		return am != nil && am.isStatus(StatusDead)
	})

	settle(t, mc, cfgHeartbeat, a.cfg.GCRounds+5, func() bool {
		return a.MemberByUUID(b.table.SelfUUID()) == nil
	})
}

// TestSwimChangeUUIDLeavesGhost is spec.md §8 scenario 5: changing a
// node's UUID leaves its old identity behind as a pinned DEAD ghost,
// and re-registering the old UUID elsewhere is rejected.
func TestSwimChangeUUIDLeavesGhost(t *testing.T) {
	registry := NewMemRegistry()
	mc := clock.NewManual(time.Unix(0, 0))
	a, _, cancel := newTestEngine(t, registry, mc, "10.0.0.1:7946", 1)
	defer cancel()

	oldID := a.table.SelfUUID()
	newID := uuid.New()

	if err := a.ChangeUUID(newID); err != nil {
		t.Fatalf("ChangeUUID: %v", err)
	}

	if a.table.SelfUUID() != newID {
		t.Fatalf("self uuid = %v, want %v", a.table.SelfUUID(), newID)
	}
	ghost := a.table.Find(oldID)
	if ghost == nil {
		t.Fatalf("old uuid should remain as a ghost entry")
	}
	if !ghost.isStatus(StatusDead) {
		t.Fatalf("ghost status = %v, want dead", ghost)
	}

	if err := a.table.SetSelfUUID(oldID, "10.0.0.9:1"); !xerrors.Is(err, xerrors.InvalidConfig) {
		t.Fatalf("expected InvalidConfig reusing a colliding uuid, got %v", err)
	}
}

// TestSwimLeaveTransitionsToLeft covers the original_source/ quit
// supplement: a voluntary Leave moves self straight to LEFT and is
// observed by peers without passing through SUSPECTED.
func TestSwimLeaveTransitionsToLeft(t *testing.T) {
	registry := NewMemRegistry()
	mc := clock.NewManual(time.Unix(0, 0))

	a, _, cancelA := newTestEngine(t, registry, mc, "10.0.0.1:7946", 1)
	defer cancelA()
	b, _, cancelB := newTestEngine(t, registry, mc, "10.0.0.2:7946", 2)
	defer cancelB()

	if err := a.AddMember(b.cfg.Transport.LocalAddr(), b.table.SelfUUID()); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	settle(t, mc, a.cfg.Heartbeat, 20, func() bool {
		bm := b.MemberByUUID(a.table.SelfUUID())
		return bm != nil && bm.isStatus(StatusAlive)
	})

	a.Leave()
	status, _ := a.table.Self().snapshot()
	if status != StatusLeft {
		t.Fatalf("self status after Leave = %v, want left", status)
	}

	settle(t, mc, a.cfg.Heartbeat, 20, func() bool {
		bm := b.MemberByUUID(a.table.SelfUUID())
		return bm != nil && bm.isStatus(StatusLeft)
	})
}

// TestSwimSetPayloadDisseminatesToPeer covers the payload-piggybacking
// supplement: a local SetPayload call propagates to a peer via
// dissemination without any status transition.
func TestSwimSetPayloadDisseminatesToPeer(t *testing.T) {
	registry := NewMemRegistry()
	mc := clock.NewManual(time.Unix(0, 0))

	a, _, cancelA := newTestEngine(t, registry, mc, "10.0.0.1:7946", 1)
	defer cancelA()
	b, _, cancelB := newTestEngine(t, registry, mc, "10.0.0.2:7946", 2)
	defer cancelB()

	if err := a.AddMember(b.cfg.Transport.LocalAddr(), b.table.SelfUUID()); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	settle(t, mc, a.cfg.Heartbeat, 20, func() bool {
		bm := b.MemberByUUID(a.table.SelfUUID())
		return bm != nil && bm.isStatus(StatusAlive)
	})

	a.SetPayload([]byte("room=lobby"))

	settle(t, mc, a.cfg.Heartbeat, 20, func() bool {
		bm := b.MemberByUUID(a.table.SelfUUID())
		return bm != nil && string(bm.payload()) == "room=lobby"
	})
}

func mustNewEngine(t *testing.T, registry *MemRegistry, mc *clock.Manual, addr string, seed int64, heartbeat time.Duration) *Swim {
	t.Helper()
	cfg := Config{
		BindAddr:   addr,
		UUID:       uuid.New(),
		Heartbeat:  heartbeat,
		AckTimeout: heartbeat / 3,
		Clock:      mc,
		Transport:  registry.NewTransport(addr),
		Rand:       rand.New(rand.NewSource(seed)),
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}
