package merger

import (
	"context"

	"github.com/dbcore/mergeswim/pkg/tuple"
)

// ItemFetcher supplies successive single tuples (spec.md §4.2's
// "single item source"): called again on every Next() once the
// previous item has been consumed, so a source can legitimately yield
// many tuples over its lifetime, one per call, until it returns
// ok=false.
type ItemFetcher func(ctx context.Context, state interface{}) (newState interface{}, item *tuple.Tuple, ok bool, err error)

// SingleItemSource yields at most one tuple per Next() call, refetched
// from fetcher each time: a degenerate source used for point lookups
// merged alongside range sources, or for test fixtures exercising a
// one-tuple-at-a-time input.
type SingleItemSource struct {
	refs    refCounter
	fetcher ItemFetcher
	state   interface{}

	// unconsumed holds a reference this source must release on
	// delete if it is destroyed before ever being drained (e.g. a
	// sibling source in the same merge errors first). Cleared as soon
	// as the item is handed off via Next.
	unconsumed *tuple.Tuple
	done       bool
}

// NewSingleItemSource wraps a single fixed item, taking ownership of
// the reference passed in. item may be nil, yielding an
// already-exhausted source. This is the common "merge this one fixed
// tuple" case used by spec.md §8's literal test scenarios.
func NewSingleItemSource(item *tuple.Tuple) *SingleItemSource {
	s := &SingleItemSource{done: item == nil, unconsumed: item}
	s.fetcher = func(ctx context.Context, state interface{}) (interface{}, *tuple.Tuple, bool, error) {
		out := s.unconsumed
		s.unconsumed = nil
		if out == nil {
			return nil, nil, false, nil
		}
		return nil, out, true, nil
	}
	return s
}

// NewFetchedItemSource creates a source whose items are produced one
// at a time, on demand, by fetcher — the ground-truth "tuple source"
// shape: each Next() re-invokes fetcher rather than consuming a
// pre-built page.
func NewFetchedItemSource(fetcher ItemFetcher, initialState interface{}) *SingleItemSource {
	return &SingleItemSource{fetcher: fetcher, state: initialState}
}

func (s *SingleItemSource) Ref() Source {
	s.refs.inc()
	return s
}

func (s *SingleItemSource) Unref() {
	if s.refs.dec() {
		s.delete()
	}
}

func (s *SingleItemSource) delete() {
	if s.unconsumed != nil {
		s.unconsumed.Unref()
		s.unconsumed = nil
	}
}

func (s *SingleItemSource) Next(ctx context.Context, format *tuple.FormatID) (*tuple.Tuple, error) {
	if s.done {
		return nil, nil
	}
	newState, item, ok, err := s.fetcher(ctx, s.state)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.done = true
		return nil, nil
	}
	s.state = newState
	return reformatIfNeeded(item, format)
}
