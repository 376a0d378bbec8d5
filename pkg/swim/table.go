package swim

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// Table is the UUID-keyed membership table (spec.md §4.4), maintaining
// invariants M1 (self always present and ALIVE from its own view), M2
// (monotonic incarnations), M3 (drop fully-decayed DEAD entries), and
// M5 (no duplicate UUIDs — guaranteed here by the map key itself).
type Table struct {
	mu      sync.RWMutex
	self    uuid.UUID
	members map[uuid.UUID]*Member
}

// NewTable creates a table with self already inserted as ALIVE
// (invariant M1).
func NewTable(self uuid.UUID, selfAddr string) *Table {
	t := &Table{
		self:    self,
		members: make(map[uuid.UUID]*Member),
	}
	t.members[self] = NewMember(self, selfAddr)
	return t
}

// Insert adds member if its UUID is not already present. Re-inserting
// an existing UUID is a no-op; callers that mean to update an existing
// member's state should go through UpdateFromWire or the member's own
// ApplyUpdate instead.
func (t *Table) Insert(m *Member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.members[m.UUID]; exists {
		return
	}
	t.members[m.UUID] = m
}

// Remove deletes a member by UUID. Removing self is rejected: spec.md
// §6's swim_remove_member "refuses to remove self".
func (t *Table) Remove(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id == t.self {
		return xerrors.New(xerrors.IllegalParams, "cannot remove self from membership table")
	}
	delete(t.members, id)
	return nil
}

// Find returns the member with the given UUID, or nil.
func (t *Table) Find(id uuid.UUID) *Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.members[id]
}

// Self returns the local member entry.
func (t *Table) Self() *Member {
	return t.Find(t.self)
}

// SelfUUID returns the table's current self UUID (may change across a
// UUID-change reconfiguration).
func (t *Table) SelfUUID() uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// SetSelfUUID rekeys self to a new UUID, leaving the old entry in
// place as a ghost (spec.md §4.4's UUID-change note: callers are
// responsible for marking the old entry DEAD and broadcasting
// old_uuid via dissemination — this method only performs the local
// rekey).
func (t *Table) SetSelfUUID(newID uuid.UUID, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.members[newID]; exists {
		return xerrors.New(xerrors.InvalidConfig, "uuid already present in membership table")
	}
	t.self = newID
	t.members[newID] = NewMember(newID, addr)
	return nil
}

// UpdateFromWire folds a remote member record into the table under
// the incarnation rule (spec.md §4.4), inserting a new entry if the
// UUID is unknown. It reports whether anything changed, for
// dissemination re-broadcast decisions.
func (t *Table) UpdateFromWire(id uuid.UUID, addr string, status Status, incarnation uint64) bool {
	t.mu.Lock()
	m, exists := t.members[id]
	if !exists {
		m = NewMember(id, addr)
		t.members[id] = m
		t.mu.Unlock()
		m.ApplyUpdate(status, incarnation)
		return true
	}
	t.mu.Unlock()
	if addr != "" {
		m.setAddress(addr)
	}
	return m.ApplyUpdate(status, incarnation)
}

// GCDead removes every DEAD member whose GC countdown has expired, per
// M3. Each call advances the countdown (the member's roundsSince) of
// every unpinned DEAD member by one round and removes those that reach
// gcRounds. pinned members (e.g.
// ghosts still within their TTL) are passed in as a skip-set.
func (t *Table) GCDead(gcRounds int, pinned map[uuid.UUID]bool) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []uuid.UUID
	for id, m := range t.members {
		if id == t.self {
			continue
		}
		if pinned[id] {
			continue
		}
		if !m.isStatus(StatusDead) {
			continue
		}
		if m.tickRoundsSince() >= gcRounds {
			delete(t.members, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len reports the number of tracked members, including self.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// All returns a snapshot slice of every member, for anti-entropy and
// tests. The slice is safe to range over without holding the table
// lock.
func (t *Table) All() []*Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

// ShuffledIterator yields a deterministic-per-pass, random-between-passes
// shuffling of non-self, non-DEAD members for round-robin probe target
// selection (spec.md §4.4, §4.5's "round-robin over a shuffled table,
// re-shuffle each full pass"). Rand is injected so tests can make the
// shuffle deterministic.
type ShuffledIterator struct {
	table *Table
	rng   *rand.Rand
	order []uuid.UUID
	pos   int
}

// NewShuffledIterator creates an iterator over table using rng for
// shuffling.
func NewShuffledIterator(table *Table, rng *rand.Rand) *ShuffledIterator {
	return &ShuffledIterator{table: table, rng: rng}
}

// Next returns the next target member, reshuffling a fresh pass over
// the table's current non-self, non-DEAD members whenever the
// previous pass is exhausted. Returns nil if no eligible member
// exists.
func (it *ShuffledIterator) Next() *Member {
	for {
		if it.pos >= len(it.order) {
			it.reshuffle()
			if len(it.order) == 0 {
				return nil
			}
		}
		id := it.order[it.pos]
		it.pos++
		m := it.table.Find(id)
		if m == nil || m.isStatus(StatusDead) {
			continue
		}
		return m
	}
}

func (it *ShuffledIterator) reshuffle() {
	self := it.table.SelfUUID()
	members := it.table.All()
	order := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if m.UUID == self || m.isStatus(StatusDead) {
			continue
		}
		order = append(order, m.UUID)
	}
	it.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	it.order = order
	it.pos = 0
}
