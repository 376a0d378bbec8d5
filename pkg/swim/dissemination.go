package swim

import (
	"github.com/google/uuid"
)

// Event is a pending piggybacked state-change notification (spec.md
// §4.6): one member's status and incarnation, counted down by a TTL
// each time it rides an outgoing packet.
type Event struct {
	UUID        uuid.UUID
	Addr        string
	Status      Status
	Incarnation uint64
	OldUUID     *uuid.UUID // set only for a UUID-change ghost event
	Payload     []byte     // set when the update also carries a payload change

	ttl int
}

// Dissemination is the bounded-TTL piggyback queue (spec.md §4.6),
// grounded on the teacher pack's queueBroadcast/drainBroadcast/logN
// triple: events start at ceil(log2(N+1))+C hops and are discarded
// once decremented to zero.
type Dissemination struct {
	c       int
	maxSend int // D, the maximum events piggybacked per outgoing packet
	events  map[uuid.UUID]*Event
}

// NewDissemination creates a queue with dissemination constant c
// (spec.md's C ≥ 3) and a per-packet cap maxSend (spec.md's D).
func NewDissemination(c, maxSend int) *Dissemination {
	if c < 3 {
		c = 3
	}
	if maxSend <= 0 {
		maxSend = 8
	}
	return &Dissemination{c: c, maxSend: maxSend, events: make(map[uuid.UUID]*Event)}
}

// Queue enqueues (or refreshes) a dissemination event for uuid, with a
// TTL computed from the current table size. A later Queue call for the
// same UUID replaces the pending event wholesale (the newest update
// wins) and resets its TTL.
func (d *Dissemination) Queue(tableSize int, uuidKey uuid.UUID, addr string, status Status, incarnation uint64, oldUUID *uuid.UUID) {
	d.queue(tableSize, Event{
		UUID:        uuidKey,
		Addr:        addr,
		Status:      status,
		Incarnation: incarnation,
		OldUUID:     oldUUID,
	})
}

// QueueWithPayload is Queue plus a payload: spec.md §3's payload_ttl
// is bumped the same way Queue bumps status_ttl — a fresh TTL on
// every call, whether the triggering change was a status transition,
// a payload change, or both at once.
func (d *Dissemination) QueueWithPayload(tableSize int, uuidKey uuid.UUID, addr string, status Status, incarnation uint64, oldUUID *uuid.UUID, payload []byte) {
	d.queue(tableSize, Event{
		UUID:        uuidKey,
		Addr:        addr,
		Status:      status,
		Incarnation: incarnation,
		OldUUID:     oldUUID,
		Payload:     payload,
	})
}

func (d *Dissemination) queue(tableSize int, e Event) {
	e.ttl = logN(tableSize) + d.c
	d.events[e.UUID] = &e
}

// Drain returns up to maxSend pending events with the highest
// remaining TTL (spec.md §4.6: "up to D events with the highest
// remaining TTL"), decrementing each returned event's TTL and
// discarding any that reach zero.
func (d *Dissemination) Drain() []Event {
	if len(d.events) == 0 {
		return nil
	}
	all := make([]*Event, 0, len(d.events))
	for _, e := range d.events {
		all = append(all, e)
	}
	sortByTTLDesc(all)

	n := d.maxSend
	if n > len(all) {
		n = len(all)
	}
	out := make([]Event, 0, n)
	for _, e := range all[:n] {
		out = append(out, *e)
		e.ttl--
		if e.ttl <= 0 {
			delete(d.events, e.UUID)
		}
	}
	return out
}

// sortByTTLDesc is a small insertion sort: dissemination queues stay
// small (bounded by live membership churn), so this avoids pulling in
// sort.Slice's closure overhead for what is usually under a dozen
// elements.
func sortByTTLDesc(events []*Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].ttl > events[j-1].ttl; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// logN returns ceil(log2(n+1)), the dissemination fan-out factor of
// spec.md §4.6, but never less than 1: logN(0) is 1, not 0.
func logN(n int) int {
	target := n + 1
	l := 1
	for 1<<uint(l) < target {
		l++
	}
	return l
}
