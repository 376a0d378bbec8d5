package keydef

import (
	"bytes"

	"github.com/dbcore/mergeswim/pkg/tuple"
)

// Compare orders two tuples under this key definition: spec.md §4.3
// step 2 — compare hints first when both are valid and unequal,
// otherwise fall back to a full field-wise comparison. NaN hints never
// participate (InvalidHint always falls through). When the primary
// comparison ties and the key definition is non-unique/nullable
// (Extended != nil), the extended key definition breaks the tie so
// heap ordering among equal-keyed tuples stays deterministic.
func (kd *KeyDef) Compare(a, b *tuple.Tuple) int {
	if c := kd.primaryCompare(a, b); c != 0 {
		return c
	}
	if kd.Extended != nil {
		return kd.Extended.Compare(a, b)
	}
	return 0
}

func (kd *KeyDef) primaryCompare(a, b *tuple.Tuple) int {
	ha, hb := kd.TupleHint(a), kd.TupleHint(b)
	if ha != InvalidHint && hb != InvalidHint && ha != hb {
		if ha < hb {
			return -1
		}
		return 1
	}
	return kd.fullCompare(a, b)
}

// CompareKey orders a tuple against a standalone encoded key value
// (used by range-scan style callers outside the merger proper; kept
// here because it shares the hint/full-compare machinery).
func (kd *KeyDef) CompareKey(t *tuple.Tuple, key interface{}) int {
	hk := kd.KeyHint(key)
	ht := kd.TupleHint(t)
	if hk != InvalidHint && ht != InvalidHint && hk != ht {
		if ht < hk {
			return -1
		}
		return 1
	}
	if len(kd.Parts) != 1 {
		return 0
	}
	v, present, err := t.Field(kd.Parts[0].FieldNo)
	if err != nil {
		return 0
	}
	if !present {
		v = nil
	}
	return compareValues(v, key)
}

func (kd *KeyDef) fullCompare(a, b *tuple.Tuple) int {
	for _, part := range kd.Parts {
		av, aPresent, err := a.Field(part.FieldNo)
		if err != nil {
			return 0
		}
		bv, bPresent, err := b.Field(part.FieldNo)
		if err != nil {
			return 0
		}
		if !aPresent {
			av = nil
		}
		if !bPresent {
			bv = nil
		}
		if c := compareFieldValues(part, av, bv); c != 0 {
			return c
		}
	}
	return 0
}

func compareFieldValues(part KeyPart, a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if part.Type == PartString && part.Collation != nil {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return part.Collation.CompareString(as, bs)
		}
	}
	return compareValues(a, b)
}

// compareValues is the key comparator's contract made concrete: a
// total order over the MessagePack scalar types the cores exchange.
// spec.md §1 specifies only the contract ("the key comparator for
// tuples... we specify only its contract"); this is the embodiment a
// Go implementation of both cores needs.
func compareValues(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0
		}
		return bytes.Compare([]byte(av), []byte(bv))
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0
		}
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	case []byte:
		bv, ok := b.([]byte)
		if !ok {
			return 0
		}
		return bytes.Compare(av, bv)
	default:
		af, aok := asFloat64(a)
		bf, bok := asFloat64(b)
		if !aok || !bok {
			return 0
		}
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
}
