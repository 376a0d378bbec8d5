// Package wirepack provides canonical MessagePack encode/decode helpers
// for the SWIM wire protocol, mirroring the shape of the teacher's
// pkg/codec/cborcanon package (a package-level encode mode plus thin
// Marshal/Unmarshal wrappers) but over MessagePack, since spec.md §6
// mandates a literal MessagePack wire format for SWIM packets.
package wirepack

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v into MessagePack bytes with the library's default
// encoder. It adds no key handling of its own: the SWIM codec passes
// maps with literal small integer keys (spec.md §6).
func Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Unmarshal decodes MessagePack data into v.
func Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// MarshalToBytes is a convenience wrapper that panics on error, for use
// only where the caller already validated v (test fixtures, internal
// fast paths that cannot fail by construction).
func MarshalToBytes(v interface{}) []byte {
	data, err := Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("wirepack: marshal failed: %v", err))
	}
	return data
}
