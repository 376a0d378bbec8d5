// Package swim implements the SWIM (Scalable Weakly-consistent
// Infection-style process group Membership) failure detector: a
// UUID-keyed membership table, a direct/indirect ping failure
// detector, and bounded-TTL piggybacked dissemination of state
// changes, reconciled periodically by full-table anti-entropy.
package swim

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
)

// Status is a member's position in the SWIM status order
// ALIVE < SUSPECTED < DEAD < LEFT. The order is the conflict-resolution
// priority used when two updates carry the same incarnation number.
type Status int

const (
	StatusAlive Status = iota
	StatusSuspected
	StatusDead
	StatusLeft
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspected:
		return "suspected"
	case StatusDead:
		return "dead"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

// priority orders statuses for same-incarnation conflict resolution.
// Left in place of the teacher's getStatePriority, extended with the
// LEFT terminal state.
func (s Status) priority() int {
	switch s {
	case StatusAlive:
		return 0
	case StatusSuspected:
		return 1
	case StatusDead:
		return 2
	case StatusLeft:
		return 3
	default:
		return -1
	}
}

// Member is one row of the membership table: an identity, its address,
// and its SWIM failure-detector state. Incarnation is the single
// correctness primitive a remote update is judged against (spec.md
// §4, §4.4): a strictly higher incarnation always wins; an equal one
// only wins if its status outranks the current one.
type Member struct {
	mu sync.RWMutex

	UUID uuid.UUID
	Addr string

	Status      Status
	Incarnation uint64

	// Payload is an application-defined blob piggybacked on this
	// member's record (spec.md §3's Member.payload), independent of
	// status/incarnation. Set via SetPayload.
	Payload []byte

	unackedPings int
	roundsSince  int // rounds since the last status transition, for GC
}

// NewMember creates an alive member at incarnation 0, the state every
// member starts in before any suspicion or self-refutation occurs.
func NewMember(id uuid.UUID, addr string) *Member {
	return &Member{UUID: id, Addr: addr, Status: StatusAlive}
}

// ApplyUpdate folds a remote (status, incarnation) pair into this
// member's state under the spec.md §4.4 conflict-resolution rule,
// reporting whether the update actually changed anything (so callers
// know whether to re-piggyback it).
func (m *Member) ApplyUpdate(status Status, incarnation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(status, incarnation)
}

func (m *Member) applyLocked(status Status, incarnation uint64) bool {
	if incarnation < m.Incarnation {
		return false
	}
	if incarnation == m.Incarnation && status.priority() <= m.Status.priority() {
		return false
	}
	m.Status = status
	m.Incarnation = incarnation
	m.unackedPings = 0
	m.roundsSince = 0
	return true
}

// SetPayload replaces the member's gossip payload, reporting whether
// it actually changed. A no-op change (identical bytes) does not
// warrant bumping payload_ttl, mirroring ApplyUpdate's refusal to
// re-broadcast a no-op status update.
func (m *Member) SetPayload(payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytes.Equal(m.Payload, payload) {
		return false
	}
	m.Payload = payload
	return true
}

func (m *Member) payload() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Payload
}

func (m *Member) snapshot() (Status, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status, m.Incarnation
}

func (m *Member) isStatus(s Status) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status == s
}

func (m *Member) incUnackedPings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unackedPings++
	return m.unackedPings
}

func (m *Member) resetUnackedPings() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unackedPings = 0
}

func (m *Member) tickRoundsSince() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roundsSince++
	return m.roundsSince
}

func (m *Member) address() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Addr
}

func (m *Member) setAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Addr = addr
}
