package swim

import (
	"github.com/google/uuid"
)

// Record is a full member row as exchanged by anti-entropy or decoded
// off a wire packet (spec.md §4.6, §6's member record keys 0-6).
type Record struct {
	UUID        uuid.UUID
	Addr        string
	Port        uint16
	Status      Status
	Incarnation uint64
	OldUUID     *uuid.UUID
	Payload     []byte
}

// AntiEntropy walks the membership table round-robin, handing out a
// bounded number of full member records per call (spec.md §4.6:
// "round-robin over the table... purely best-effort"). It holds no
// correctness weight of its own — the incarnation rule is applied
// identically whether a record arrives via dissemination or here.
type AntiEntropy struct {
	table  *Table
	cursor int
}

// NewAntiEntropy creates an anti-entropy walker over table.
func NewAntiEntropy(table *Table) *AntiEntropy {
	return &AntiEntropy{table: table}
}

// Next returns up to maxRecords member records, advancing the
// round-robin cursor across calls so repeated rounds eventually cover
// the whole table.
func (a *AntiEntropy) Next(maxRecords int) []Record {
	members := a.table.All()
	if len(members) == 0 || maxRecords <= 0 {
		return nil
	}
	// Stable order so the cursor means the same thing call to call;
	// All() itself ranges a map, so sort by UUID string for determinism.
	sortMembersByUUID(members)

	if a.cursor >= len(members) {
		a.cursor = 0
	}
	out := make([]Record, 0, maxRecords)
	n := maxRecords
	if n > len(members) {
		n = len(members)
	}
	for i := 0; i < n; i++ {
		m := members[(a.cursor+i)%len(members)]
		status, incarnation := m.snapshot()
		out = append(out, Record{
			UUID:        m.UUID,
			Addr:        m.address(),
			Status:      status,
			Incarnation: incarnation,
			Payload:     m.payload(),
		})
	}
	a.cursor = (a.cursor + n) % len(members)
	return out
}

func sortMembersByUUID(members []*Member) {
	for i := 1; i < len(members); i++ {
		for j := i; j > 0 && members[j].UUID.String() < members[j-1].UUID.String(); j-- {
			members[j], members[j-1] = members[j-1], members[j]
		}
	}
}
