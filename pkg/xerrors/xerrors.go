// Package xerrors defines the shared error taxonomy used by the merger
// and SWIM cores. Errors carry a Kind so callers can branch on category
// without string matching, the way the teacher's pkg/wire.Error carries
// a numeric code.
package xerrors

import "fmt"

// Kind classifies an error into one of the recovery categories.
type Kind int

const (
	// OutOfMemory is unrecoverable at the allocation site and is never
	// retried internally.
	OutOfMemory Kind = iota
	// IllegalParams covers malformed input: bad MessagePack, wrong
	// fetcher arity, invalid URI, invalid iterator type, attempts to
	// remove self.
	IllegalParams
	// InvalidConfig covers swim.New misuse (missing bind address, UUID
	// or transport), bind failure, UUID collision.
	InvalidConfig
	// ProtocolViolation covers corrupted or nonsensical on-wire data:
	// nested routing, unknown message type, malformed member record.
	ProtocolViolation
	// RefcountOverflow is fatal; callers should treat it as a panic
	// boundary rather than attempt recovery.
	RefcountOverflow
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out_of_memory"
	case IllegalParams:
		return "illegal_params"
	case InvalidConfig:
		return "invalid_config"
	case ProtocolViolation:
		return "protocol_violation"
	case RefcountOverflow:
		return "refcount_overflow"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across package boundaries
// in both cores.
type Error struct {
	Kind   Kind
	Reason string
	Err    error // optional wrapped cause
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var xe *Error
	if !asError(err, &xe) {
		return false
	}
	return xe.Kind == kind
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
