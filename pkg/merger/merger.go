package merger

import (
	"container/heap"
	"context"

	"github.com/dbcore/mergeswim/pkg/tuple"
	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// state is the Merger lifecycle of spec.md §4.3: Unstarted, in which
// SetSources/SetReverse may still be called, Running, once the first
// Next has pulled initial tuples from every source, and Drained, once
// every source has reported end of stream.
type state int

const (
	stateUnstarted state = iota
	stateRunning
	stateDrained
)

type mergeNode struct {
	source Source
	last   *tuple.Tuple // always under ctx.Format while held by the heap
}

// Merger is a K-way merge over a fixed set of ordered Sources,
// implementing Source itself (spec.md §9: "a merger is a source"), so
// mergers compose into trees. It picks the globally next tuple with a
// binary heap keyed by the context's key definition, using the
// comparison hint fast path of pkg/keydef before falling back to a
// full field comparison (spec.md §4.1, §4.3).
type Merger struct {
	refs refCounter
	ctx  *Context

	nodes   []*mergeNode
	reverse bool
	st      state
}

// NewMerger creates an unstarted merger over ctx (spec.md §6
// merger_new). The caller's reference to ctx is retained; the merger
// takes its own via Ref.
func NewMerger(ctx *Context) *Merger {
	return &Merger{ctx: ctx.Ref()}
}

// SetSources installs the merger's input sources (spec.md §6
// merger_set_sources). Each source's ownership is shared: the merger
// takes its own reference via Ref and releases it on Unref or once the
// source is exhausted. Valid only before the first Next call.
func (m *Merger) SetSources(sources []Source) error {
	if m.st != stateUnstarted {
		return xerrors.New(xerrors.IllegalParams, "set_sources called after merger has started")
	}
	nodes := make([]*mergeNode, 0, len(sources))
	for _, s := range sources {
		nodes = append(nodes, &mergeNode{source: s.Ref()})
	}
	m.nodes = nodes
	return nil
}

// SetReverse flips the merge direction (spec.md §6 merger_set_reverse,
// §4.3's duality note): forward merges emit the least tuple first,
// reverse the greatest. Valid only before the first Next call.
func (m *Merger) SetReverse(reverse bool) error {
	if m.st != stateUnstarted {
		return xerrors.New(xerrors.IllegalParams, "set_reverse called after merger has started")
	}
	m.reverse = reverse
	return nil
}

func (m *Merger) Ref() Source {
	m.refs.inc()
	return m
}

func (m *Merger) Unref() {
	if m.refs.dec() {
		m.delete()
	}
}

func (m *Merger) delete() {
	for _, n := range m.nodes {
		if n.last != nil {
			n.last.Unref()
		}
		n.source.Unref()
	}
	m.ctx.Unref()
}

// heap.Interface, keyed by the merger's own reverse flag and key
// definition. Only live (non-exhausted) nodes are ever present in
// m.nodes once running: an exhausted node is removed the instant its
// source reports end of stream, so Less never needs a null case.
func (m *Merger) Len() int { return len(m.nodes) }

func (m *Merger) Less(i, j int) bool {
	c := m.ctx.KeyDef.Compare(m.nodes[i].last, m.nodes[j].last)
	if m.reverse {
		return c > 0
	}
	return c < 0
}

func (m *Merger) Swap(i, j int) { m.nodes[i], m.nodes[j] = m.nodes[j], m.nodes[i] }

func (m *Merger) Push(x interface{}) { m.nodes = append(m.nodes, x.(*mergeNode)) }

func (m *Merger) Pop() interface{} {
	old := m.nodes
	n := len(old)
	out := old[n-1]
	old[n-1] = nil
	m.nodes = old[:n-1]
	return out
}

// start pulls one tuple from every source and heapifies, transitioning
// Unstarted -> Running (spec.md §4.3 start-up step). A source that is
// already exhausted is dropped before the heap is built rather than
// ever entering it.
func (m *Merger) start(ctx context.Context) error {
	live := m.nodes[:0]
	for _, n := range m.nodes {
		t, err := n.source.Next(ctx, &m.ctx.Format)
		if err != nil {
			return err
		}
		if t == nil {
			n.source.Unref()
			continue
		}
		n.last = t
		live = append(live, n)
	}
	m.nodes = live
	heap.Init(m)
	m.st = stateRunning
	return nil
}

// Next returns the next tuple in merge order, reformatted to format if
// given, or (nil, nil) once every source is drained (spec.md §4.3,
// §7's SourceExhausted-as-absence rule).
//
// The replacement tuple is fetched from the popped source BEFORE the
// outgoing tuple is reformatted or detached from its node: if the
// fetch fails the node is untouched and the merger's state is exactly
// what it was before the call, so a caller may retry Next after
// resolving the failure. This differs from a literal translation of a
// C implementation that clears the slot first; fetching first removes
// the dangling-reference window entirely rather than papering over it.
func (m *Merger) Next(ctx context.Context, format *tuple.FormatID) (*tuple.Tuple, error) {
	if m.st == stateUnstarted {
		if err := m.start(ctx); err != nil {
			return nil, err
		}
	}
	if m.st == stateDrained || len(m.nodes) == 0 {
		m.st = stateDrained
		return nil, nil
	}

	top := m.nodes[0]
	internal := top.last

	next, err := top.source.Next(ctx, &m.ctx.Format)
	if err != nil {
		return nil, err
	}

	if next == nil {
		top.source.Unref()
		heap.Remove(m, 0)
	} else {
		top.last = next
		heap.Fix(m, 0)
	}

	out, err := reformatIfNeeded(internal, format)
	if err != nil {
		return nil, err
	}
	if len(m.nodes) == 0 {
		m.st = stateDrained
	}
	return out, nil
}
