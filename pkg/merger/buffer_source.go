package merger

import (
	"bytes"
	"context"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dbcore/mergeswim/pkg/tuple"
	"github.com/dbcore/mergeswim/pkg/xerrors"
)

// BufferFetcher produces successive binary chunks, each a MessagePack
// array of encoded tuples (spec.md §4.2). It follows the
// "(gen, param, state)" contract of spec.md §6: called repeatedly with
// the previous state, it returns the next state and chunk, or
// ok=false at end of stream.
type BufferFetcher func(ctx context.Context, state interface{}) (newState interface{}, chunk []byte, ok bool, err error)

// BufferSource decodes binary chunks lazily, one tuple at a time
// (spec.md §4.2).
type BufferSource struct {
	refs    refCounter
	fetcher BufferFetcher
	state   interface{}

	dec       *msgpack.Decoder
	remaining int
}

// NewBufferSource creates a source over fetcher, starting from the
// given initial state.
func NewBufferSource(fetcher BufferFetcher, initialState interface{}) *BufferSource {
	return &BufferSource{fetcher: fetcher, state: initialState}
}

func (s *BufferSource) Ref() Source {
	s.refs.inc()
	return s
}

func (s *BufferSource) Unref() {
	if s.refs.dec() {
		s.delete()
	}
}

// delete releases no resources of its own: the fetcher and its state
// are owned by the embedding layer (spec.md §1, out-of-scope
// collaborators), so there is nothing for the source to close.
func (s *BufferSource) delete() {}

func (s *BufferSource) Next(ctx context.Context, format *tuple.FormatID) (*tuple.Tuple, error) {
	for s.remaining == 0 {
		newState, chunk, ok, err := s.fetcher(ctx, s.state)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.IllegalParams, "buffer source fetcher failed", err)
		}
		if !ok {
			return nil, nil
		}
		s.state = newState
		if len(chunk) == 0 {
			continue
		}
		dec := msgpack.NewDecoder(bytes.NewReader(chunk))
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.IllegalParams, "chunk is not a MessagePack array at its head", err)
		}
		if n < 0 {
			n = 0
		}
		s.dec = dec
		s.remaining = n
	}

	var raw msgpack.RawMessage
	if err := s.dec.Decode(&raw); err != nil {
		return nil, xerrors.Wrap(xerrors.IllegalParams, "tuple claim exceeds chunk", err)
	}
	s.remaining--

	out := tuple.New([]byte(raw), 0).Ref()
	return reformatIfNeeded(out, format)
}
