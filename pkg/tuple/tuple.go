// Package tuple implements the refcounted, externally-owned byte blob
// that both the merger sources and the heap operate on (spec.md §3,
// Core A entities). The core never allocates a tuple's original bytes;
// it only references, unreferences, and — when a caller asks for a
// different wire format — reformats (which does allocate a fresh
// tuple with its own reference).
package tuple

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// FormatID names a field layout a tuple's bytes are encoded under.
// Zero is the reserved "native"/unspecified format.
type FormatID uint32

// Tuple is an immutable MessagePack-array-encoded blob plus a
// reference count. Mutating Data in place is not supported: a
// reformat always produces a brand new Tuple.
type Tuple struct {
	data   []byte
	format FormatID
	refs   int32
}

// New wraps data (expected to be a MessagePack-encoded array, per
// spec.md §4.2) in a Tuple with zero references; the caller owns the
// first reference and must call Ref/Unref per spec.md §5's resource
// policy.
func New(data []byte, format FormatID) *Tuple {
	return &Tuple{data: data, format: format}
}

// NewFromFields encodes fields as a MessagePack array and wraps the
// result, for callers building tuples programmatically (tests,
// cmd/mergeswim fixtures) rather than decoding a wire buffer.
func NewFromFields(fields []interface{}, format FormatID) (*Tuple, error) {
	data, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.IllegalParams, "encode tuple fields", err)
	}
	return New(data, format), nil
}

// Bytes returns the tuple's raw MessagePack-array bytes. Callers must
// not mutate the returned slice.
func (t *Tuple) Bytes() []byte { return t.data }

// Format returns the tuple's format id.
func (t *Tuple) Format() FormatID { return t.format }

// Fields decodes the tuple's MessagePack array into a generic slice,
// for field-wise comparison (pkg/keydef) and reformat.
func (t *Tuple) Fields() ([]interface{}, error) {
	var fields []interface{}
	if err := msgpack.Unmarshal(t.data, &fields); err != nil {
		return nil, xerrors.Wrap(xerrors.IllegalParams, "decode tuple fields", err)
	}
	return fields, nil
}

// Field decodes and returns a single field by index, or (nil, false)
// if the tuple has fewer fields (absent field, treated as SQL NULL by
// callers that care).
func (t *Tuple) Field(i int) (interface{}, bool, error) {
	fields, err := t.Fields()
	if err != nil {
		return nil, false, err
	}
	if i < 0 || i >= len(fields) {
		return nil, false, nil
	}
	return fields[i], true, nil
}

// Ref increments the reference count and returns the same tuple, for
// chaining at call sites that hand out a reference they hold.
func (t *Tuple) Ref() *Tuple {
	for {
		cur := atomic.LoadInt32(&t.refs)
		if cur == math.MaxInt32 {
			// Fatal per spec.md §7: the protocol has no way to
			// express this failure to a caller.
			panic(xerrors.New(xerrors.RefcountOverflow, "tuple refcount overflow"))
		}
		if atomic.CompareAndSwapInt32(&t.refs, cur, cur+1) {
			return t
		}
	}
}

// Unref decrements the reference count. The tuple carries no
// finalizer: Go's GC reclaims the backing array once the last
// reference is dropped, so Unref's only job is to catch refcount
// misuse (going negative indicates a double-unref, a programming
// error in the surrounding core).
func (t *Tuple) Unref() {
	if atomic.AddInt32(&t.refs, -1) < 0 {
		panic(fmt.Sprintf("tuple: refcount went negative (double unref) on %p", t))
	}
}

// RefCount reports the current reference count, for tests.
func (t *Tuple) RefCount() int32 { return atomic.LoadInt32(&t.refs) }

// Reformat returns a new, singly-referenced Tuple whose bytes encode
// the same field values under a different format id. When format
// equals the tuple's current format, Reformat returns the same tuple
// with an extra reference (round-trip is a no-op per spec.md §8).
func (t *Tuple) Reformat(format FormatID) (*Tuple, error) {
	if format == t.format {
		return t.Ref(), nil
	}
	// A format id only changes which fields a higher layer expects to
	// find at which index; the wire bytes the core itself deals with
	// are always the flat encoded field array, so a reformat is a
	// reinterpretation, not a transcoding, of those bytes.
	out := New(append([]byte(nil), t.data...), format)
	out.Ref()
	return out, nil
}
