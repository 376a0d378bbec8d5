package swim

import (
	"testing"

	"github.com/google/uuid"
)

func TestAntiEntropyNextReturnsAllWhenUnderCap(t *testing.T) {
	tbl := NewTable(uuid.New(), "10.0.0.1:1")
	for i := 0; i < 3; i++ {
		tbl.Insert(NewMember(uuid.New(), "10.0.0.2:1"))
	}
	ae := NewAntiEntropy(tbl)
	recs := ae.Next(10)
	if len(recs) != 4 { // self + 3
		t.Fatalf("Next(10) returned %d records, want 4", len(recs))
	}
}

func TestAntiEntropyNextRoundRobinsAcrossCalls(t *testing.T) {
	tbl := NewTable(uuid.New(), "10.0.0.1:1")
	for i := 0; i < 6; i++ {
		tbl.Insert(NewMember(uuid.New(), "10.0.0.2:1"))
	}
	ae := NewAntiEntropy(tbl)

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 4; i++ {
		for _, r := range ae.Next(2) {
			seen[r.UUID] = true
		}
	}
	if len(seen) != 7 { // self + 6, covered across enough round-robin calls
		t.Fatalf("round-robin should eventually cover the whole table, saw %d of 7", len(seen))
	}
}

func TestAntiEntropyNextEmptyTableNeverHappens(t *testing.T) {
	tbl := NewTable(uuid.New(), "10.0.0.1:1")
	ae := NewAntiEntropy(tbl)
	recs := ae.Next(5)
	if len(recs) != 1 {
		t.Fatalf("expected only self, got %d records", len(recs))
	}
}

func TestAntiEntropyNextZeroCapReturnsNothing(t *testing.T) {
	tbl := NewTable(uuid.New(), "10.0.0.1:1")
	ae := NewAntiEntropy(tbl)
	if recs := ae.Next(0); recs != nil {
		t.Fatalf("Next(0) = %v, want nil", recs)
	}
}

func TestAntiEntropyNextCarriesMemberPayload(t *testing.T) {
	self := uuid.New()
	tbl := NewTable(self, "10.0.0.1:1")
	tbl.Self().SetPayload([]byte("room=lobby"))
	ae := NewAntiEntropy(tbl)

	recs := ae.Next(10)
	if len(recs) != 1 || string(recs[0].Payload) != "room=lobby" {
		t.Fatalf("expected self's payload in anti-entropy record, got %+v", recs)
	}
}
