package merger

import (
	"context"

	"github.com/dbcore/mergeswim/pkg/tuple"
)

// ArrayFetcher supplies successive pages of already-decoded tuples
// (spec.md §4.2's "array source"): the caller hands over ownership of
// one reference per tuple returned.
type ArrayFetcher func(ctx context.Context, state interface{}) (newState interface{}, page []*tuple.Tuple, ok bool, err error)

// ArraySource walks an in-memory slice of tuples, refetching a new
// page via fetcher once the current one is exhausted. Passing a single
// static page through a fetcher that returns ok=false on the second
// call reduces to the common "merge these fixed tuples" case used by
// spec.md §8's literal test scenarios.
type ArraySource struct {
	refs    refCounter
	fetcher ArrayFetcher
	state   interface{}

	page []*tuple.Tuple
	pos  int
}

// NewArraySource creates a source over a single fixed page, the shape
// spec.md §8's "Merger basic" scenario needs: two array sources each
// holding two already-ordered tuples.
func NewArraySource(page []*tuple.Tuple) *ArraySource {
	return &ArraySource{
		page: page,
		fetcher: func(ctx context.Context, state interface{}) (interface{}, []*tuple.Tuple, bool, error) {
			return nil, nil, false, nil
		},
	}
}

// NewPagedArraySource creates a source whose pages are produced on
// demand by fetcher, for callers streaming more tuples than fit
// comfortably in memory at once.
func NewPagedArraySource(fetcher ArrayFetcher, initialState interface{}) *ArraySource {
	return &ArraySource{fetcher: fetcher, state: initialState}
}

func (s *ArraySource) Ref() Source {
	s.refs.inc()
	return s
}

func (s *ArraySource) Unref() {
	if s.refs.dec() {
		s.delete()
	}
}

func (s *ArraySource) delete() {
	for _, t := range s.page[s.pos:] {
		t.Unref()
	}
}

func (s *ArraySource) Next(ctx context.Context, format *tuple.FormatID) (*tuple.Tuple, error) {
	for s.pos >= len(s.page) {
		newState, page, ok, err := s.fetcher(ctx, s.state)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		s.state = newState
		s.page = page
		s.pos = 0
	}
	out := s.page[s.pos]
	s.pos++
	return reformatIfNeeded(out, format)
}
