// Package merger implements the K-way merge source framework of
// spec.md §3-§4.3, §6: a streaming merger that pulls ordered tuple
// streams from heterogeneous sources and emits one globally ordered
// stream via a binary heap, in the teacher's closed-tagged-variant
// style (spec.md §9, "Design notes — Polymorphic sources") rather than
// an open interface hierarchy.
package merger

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/dbcore/mergeswim/pkg/keydef"
	"github.com/dbcore/mergeswim/pkg/tuple"
	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// Source is the uniform capability both concrete adapters and a
// Merger itself expose (spec.md §4.2, §9): next + refcounted
// delete, nothing else.
type Source interface {
	// Next fetches the next tuple, or (nil, nil) at end of stream
	// (spec.md §7's SourceExhausted is not a distinguished error —
	// absence of a tuple is not a failure). format is nil when the
	// caller has no preference.
	Next(ctx context.Context, format *tuple.FormatID) (*tuple.Tuple, error)
	// Ref increments the reference count and returns the same
	// source, for chaining at call sites that hand out a reference
	// they hold.
	Ref() Source
	// Unref decrements the reference count, destroying the source
	// once it reaches zero.
	Unref()
}

// refCounter is the reference-counting building block shared by every
// concrete Source and by Context (spec.md §3, "Reference-counted;
// zero refs => destroy"). Overflow is fatal per spec.md §7: the
// protocol has no way to express it to a caller.
type refCounter struct {
	n int32
}

func (r *refCounter) inc() {
	for {
		cur := atomic.LoadInt32(&r.n)
		if cur == math.MaxInt32 {
			panic(xerrors.New(xerrors.RefcountOverflow, "merger source refcount overflow"))
		}
		if atomic.CompareAndSwapInt32(&r.n, cur, cur+1) {
			return
		}
	}
}

// dec reports whether the refcount just reached zero.
func (r *refCounter) dec() bool {
	return atomic.AddInt32(&r.n, -1) == 0
}

// reformatIfNeeded implements spec.md §4.2's "each source may
// reformat the returned tuple into the requested format if it differs
// from its native one": a no-op when format is nil or already
// matches, otherwise a fresh allocation with a fresh reference, with
// the original reference dropped.
func reformatIfNeeded(t *tuple.Tuple, format *tuple.FormatID) (*tuple.Tuple, error) {
	if t == nil || format == nil || *format == t.Format() {
		return t, nil
	}
	out, err := t.Reformat(*format)
	if err != nil {
		return nil, err
	}
	t.Unref()
	return out, nil
}

// Context holds the immutable pair (key definition, derived tuple
// format) shared by potentially many mergers (spec.md §3, §6
// context_new). Reference-counted the same way a Source is.
type Context struct {
	refs   refCounter
	KeyDef *keydef.KeyDef
	// Format is the internal format mergers built from this context
	// store tuples under for fast comparison (spec.md §4.3). It is an
	// opaque identifier as far as this package is concerned; callers
	// choose a value that distinguishes it from any format a source's
	// native tuples might already carry.
	Format tuple.FormatID
}

// NewContext creates a merger context over the given key definition
// (spec.md §6 context_new). The context starts with zero references;
// the caller owns the first one.
func NewContext(kd *keydef.KeyDef, internalFormat tuple.FormatID) *Context {
	return &Context{KeyDef: kd, Format: internalFormat}
}

func (c *Context) Ref() *Context {
	c.refs.inc()
	return c
}

func (c *Context) Unref() {
	c.refs.dec()
}
