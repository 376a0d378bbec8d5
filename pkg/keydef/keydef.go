// Package keydef implements key definitions and the comparison-hint
// derivation of spec.md §4.1: a 64-bit integer per tuple/key whose
// unsigned ordering mirrors the field's semantic ordering, letting the
// merger's heap short-circuit most comparisons to a single integer
// compare instead of a full field-wise walk.
package keydef

import (
	"math"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/dbcore/mergeswim/pkg/tuple"
)

// PartType names the primitive comparison type of a key part.
type PartType int

const (
	PartUnsigned PartType = iota
	PartSigned
	PartNumber
	PartBoolean
	PartString
)

// InvalidHint is the spec.md §4.1 sentinel: "fall back to full tuple
// comparison".
const InvalidHint = ^uint64(0)

const signBias = uint64(1) << 63

// KeyPart names one field of a key, its comparison type, and whether
// it may hold SQL NULL.
type KeyPart struct {
	FieldNo   int
	Type      PartType
	Nullable  bool
	Collation *collate.Collator // nil => byte-wise string comparison
}

// KeyDef is an ordered list of key parts plus, for non-unique or
// nullable indexes, the extended key definition spec.md §4.3 requires
// for heap tie-breaking (the key definition with the primary key parts
// appended). A KeyDef with no Extended field ties using Parts alone.
type KeyDef struct {
	Parts    []KeyPart
	Extended *KeyDef
}

// NewCollator is a convenience constructor so callers don't need to
// import golang.org/x/text/language directly for the common case.
func NewCollator(tag string) *collate.Collator {
	t, err := language.Parse(tag)
	if err != nil {
		t = language.Und
	}
	return collate.New(t)
}

// KeyHint computes the spec.md §4.1 comparison hint for a standalone
// encoded key value (as opposed to a tuple field). It only applies to
// single-part primary keys; multi-part keys return InvalidHint.
func (kd *KeyDef) KeyHint(value interface{}) uint64 {
	if len(kd.Parts) != 1 {
		return InvalidHint
	}
	return hintForValue(kd.Parts[0], value)
}

// TupleHint computes the spec.md §4.1 comparison hint for a tuple
// under this key definition.
func (kd *KeyDef) TupleHint(t *tuple.Tuple) uint64 {
	if len(kd.Parts) != 1 {
		return InvalidHint
	}
	part := kd.Parts[0]
	v, present, err := t.Field(part.FieldNo)
	if err != nil {
		return InvalidHint
	}
	if !present {
		if part.Nullable {
			return 0
		}
		return InvalidHint
	}
	return hintForValue(part, v)
}

func hintForValue(part KeyPart, v interface{}) uint64 {
	if v == nil {
		if part.Nullable {
			return 0
		}
		return InvalidHint
	}
	switch part.Type {
	case PartUnsigned:
		return hintUnsigned(v)
	case PartSigned:
		return hintSigned(v)
	case PartNumber:
		return hintNumber(v)
	case PartBoolean:
		return hintBoolean(v)
	case PartString:
		s, ok := v.(string)
		if !ok {
			return InvalidHint
		}
		if part.Collation != nil {
			return hintStringCollated(part.Collation, s)
		}
		return hintString(s)
	default:
		return InvalidHint
	}
}

func hintUnsigned(v interface{}) uint64 {
	u, ok := asUint64(v)
	if !ok {
		return InvalidHint
	}
	// value.saturating_to_i64 re-biased by +2^63 (spec.md §4.1).
	if u > math.MaxInt64 {
		return uint64(math.MaxInt64) + signBias
	}
	return u + signBias
}

func hintSigned(v interface{}) uint64 {
	i, ok := asInt64(v)
	if !ok {
		return InvalidHint
	}
	// Biased by +2^63; unsigned overflow clamped to i64::MAX (spec.md
	// §4.1). The clamp happens in asInt64, which maps a uint64 above
	// math.MaxInt64 to math.MaxInt64; i64 + 2^63 itself never
	// overflows uint64.
	biased := uint64(i) + signBias
	return biased
}

func hintNumber(v interface{}) uint64 {
	f, ok := asFloat64(v)
	if !ok {
		return InvalidHint
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return InvalidHint
	}
	if f >= math.MaxInt64 {
		return uint64(math.MaxInt64) + signBias
	}
	if f <= math.MinInt64 {
		return uint64(math.MinInt64) + signBias
	}
	return uint64(int64(f)) + signBias
}

func hintBoolean(v interface{}) uint64 {
	b, ok := v.(bool)
	if !ok {
		return InvalidHint
	}
	if b {
		return 1 + signBias
	}
	return 0 + signBias
}

func hintString(s string) uint64 {
	var buf [8]byte
	copy(buf[:], s)
	var h uint64
	for _, b := range buf {
		h = h<<8 | uint64(b)
	}
	return h
}

func hintStringCollated(c *collate.Collator, s string) uint64 {
	key := c.KeyFromString(new(collate.Buffer), s)
	var buf [8]byte
	copy(buf[:], key)
	var h uint64
	for _, b := range buf {
		h = h<<8 | uint64(b)
	}
	return h
}

func asUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return math.MaxInt64, true
		}
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		if i, ok := asInt64(v); ok {
			return float64(i), true
		}
		return 0, false
	}
}
