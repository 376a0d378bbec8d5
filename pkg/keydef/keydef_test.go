package keydef

import (
	"testing"

	"github.com/dbcore/mergeswim/pkg/tuple"
)

func mustTuple(t *testing.T, fields ...interface{}) *tuple.Tuple {
	t.Helper()
	tp, err := tuple.NewFromFields(fields, 0)
	if err != nil {
		t.Fatalf("NewFromFields: %v", err)
	}
	return tp
}

func TestUnsignedHintOrderingMatchesValueOrdering(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0, Type: PartUnsigned}}}
	a := mustTuple(t, uint64(1))
	b := mustTuple(t, uint64(2))
	if kd.TupleHint(a) >= kd.TupleHint(b) {
		t.Fatalf("hint(1) should be < hint(2)")
	}
}

func TestSignedHintOrderingAcrossZero(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0, Type: PartSigned}}}
	neg := mustTuple(t, int64(-5))
	pos := mustTuple(t, int64(5))
	if kd.TupleHint(neg) >= kd.TupleHint(pos) {
		t.Fatalf("hint(-5) should be < hint(5)")
	}
}

func TestNullableAbsentFieldHintsZero(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 3, Type: PartUnsigned, Nullable: true}}}
	tp := mustTuple(t, uint64(1))
	if got := kd.TupleHint(tp); got != 0 {
		t.Fatalf("TupleHint = %d, want 0", got)
	}
}

func TestNonNullableAbsentFieldIsInvalidHint(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 3, Type: PartUnsigned}}}
	tp := mustTuple(t, uint64(1))
	if got := kd.TupleHint(tp); got != InvalidHint {
		t.Fatalf("TupleHint = %d, want InvalidHint", got)
	}
}

func TestMultiPartKeyHasInvalidHint(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{
		{FieldNo: 0, Type: PartUnsigned},
		{FieldNo: 1, Type: PartUnsigned},
	}}
	tp := mustTuple(t, uint64(1), uint64(2))
	if got := kd.TupleHint(tp); got != InvalidHint {
		t.Fatalf("TupleHint = %d, want InvalidHint for multi-part key", got)
	}
}

func TestCompareFallsBackToFullCompareOnHintTie(t *testing.T) {
	// Strings longer than 8 bytes with identical prefixes hint equal
	// but differ further in.
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0, Type: PartString}}}
	a := mustTuple(t, "aaaaaaaaX")
	b := mustTuple(t, "aaaaaaaaY")
	if c := kd.Compare(a, b); c >= 0 {
		t.Fatalf("Compare = %d, want < 0", c)
	}
}

func TestCompareMultiPartKeyOrdersByFirstDifferingPart(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{
		{FieldNo: 0, Type: PartUnsigned},
		{FieldNo: 1, Type: PartUnsigned},
	}}
	a := mustTuple(t, uint64(1), uint64(9))
	b := mustTuple(t, uint64(2), uint64(0))
	if c := kd.Compare(a, b); c >= 0 {
		t.Fatalf("Compare = %d, want < 0 (first part dominates)", c)
	}
}

func TestCompareEqualTuples(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0, Type: PartUnsigned}}}
	a := mustTuple(t, uint64(3))
	b := mustTuple(t, uint64(3))
	if c := kd.Compare(a, b); c != 0 {
		t.Fatalf("Compare = %d, want 0", c)
	}
}

func TestNumberHintRejectsNonNumericField(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0, Type: PartNumber}}}
	tp := mustTuple(t, "not a number")
	if got := kd.TupleHint(tp); got != InvalidHint {
		t.Fatalf("TupleHint = %d, want InvalidHint for non-numeric field", got)
	}
}

func TestCompareUsesExtendedKeyOnTie(t *testing.T) {
	// A non-unique index on field 0 alone, extended with the primary
	// key (field 1) for heap tie-breaking, spec.md §4.3.
	kd := &KeyDef{
		Parts:    []KeyPart{{FieldNo: 0, Type: PartUnsigned}},
		Extended: &KeyDef{Parts: []KeyPart{{FieldNo: 1, Type: PartUnsigned}}},
	}
	a := mustTuple(t, uint64(7), uint64(1))
	b := mustTuple(t, uint64(7), uint64(2))
	if c := kd.Compare(a, b); c >= 0 {
		t.Fatalf("Compare = %d, want < 0 (extended key field 1 breaks the tie)", c)
	}
	if c := kd.Compare(b, a); c <= 0 {
		t.Fatalf("Compare = %d, want > 0 (extended key field 1 breaks the tie, reversed)", c)
	}
}

func TestCompareWithoutExtendedTiesOnPrimaryKeyAlone(t *testing.T) {
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0, Type: PartUnsigned}}}
	a := mustTuple(t, uint64(7), uint64(1))
	b := mustTuple(t, uint64(7), uint64(2))
	if c := kd.Compare(a, b); c != 0 {
		t.Fatalf("Compare = %d, want 0 without an extended key definition", c)
	}
}

func TestCollatedStringCompare(t *testing.T) {
	c := NewCollator("en")
	kd := &KeyDef{Parts: []KeyPart{{FieldNo: 0, Type: PartString, Collation: c}}}
	a := mustTuple(t, "a")
	b := mustTuple(t, "b")
	if cmp := kd.Compare(a, b); cmp >= 0 {
		t.Fatalf("Compare = %d, want < 0", cmp)
	}
}
