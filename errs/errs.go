// Package errs defines the uniform failure taxonomy shared by the transport,
// threading, and serialization layers of thallium.
//
// Every exported constructor wraps its cause with github.com/pkg/errors at
// the point where the fault crosses a package boundary, so a stack trace is
// captured once, outside any hot path, instead of being threaded through
// every intermediate call.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which of the failure taxonomies in spec section 7 an
// Error belongs to.
type Kind int

const (
	KindEngineInit Kind = iota
	KindEngineInvalid
	KindTransportFault
	KindTimeout
	KindCancelled
	KindDecodeError
	KindEmptyResponse
	KindThreadingFault
	KindMissingJoin
	KindConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case KindEngineInit:
		return "EngineInit"
	case KindEngineInvalid:
		return "EngineInvalid"
	case KindTransportFault:
		return "TransportFault"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindDecodeError:
		return "DecodeError"
	case KindEmptyResponse:
		return "EmptyResponse"
	case KindThreadingFault:
		return "ThreadingFault"
	case KindMissingJoin:
		return "MissingJoin"
	case KindConfigInvalid:
		return "ConfigInvalid"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every thallium operation
// that can fail. Op names the failing operation/function; Kind classifies
// it per spec section 7; the wrapped cause (if any) carries the stack
// trace captured by pkg/errors at the boundary.
type Error struct {
	Kind Kind
	Op   string
	// Fields holds the kind-specific payload (e.g. {"code": ..., "fn_name": ...}
	// for TransportFault, {"path": ..., "reason": ...} for ConfigInvalid).
	Fields map[string]any
	cause  error
}

func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s %v: %v", e.Kind, e.Op, e.Fields, e.cause)
	}
	return fmt.Sprintf("%s: %s %v", e.Kind, e.Op, e.Fields)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, op string, cause error, fields map[string]any) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Op: op, Fields: fields, cause: wrapped}
}

// EngineInit reports a transport bring-up failure during Engine construction.
func EngineInit(op, reason string, cause error) *Error {
	return newErr(KindEngineInit, op, cause, map[string]any{"reason": reason})
}

// EngineInvalid reports use of a handle after its engine has been finalized,
// or after a weak back-reference failed to upgrade.
func EngineInvalid(op string) *Error {
	return newErr(KindEngineInvalid, op, nil, nil)
}

// TransportFault reports a generic failure surfaced by the transport layer.
func TransportFault(op, code string, cause error) *Error {
	return newErr(KindTransportFault, op, cause, map[string]any{"code": code, "fn_name": op})
}

// Timeout reports a deadline firing. Always separately identifiable from
// other transport faults so retry loops can distinguish it.
func Timeout(op string) *Error {
	return newErr(KindTimeout, op, nil, nil)
}

// Cancelled reports an operation explicitly cancelled before completion.
func Cancelled(op string) *Error {
	return newErr(KindCancelled, op, nil, nil)
}

// DecodeError reports a type-tag mismatch (debug builds) or malformed input.
func DecodeError(op, expected, got string) *Error {
	return newErr(KindDecodeError, op, nil, map[string]any{"expected": expected, "got": got})
}

// EmptyResponse reports a request for a decoded value from a non-responding
// procedure's packed data.
func EmptyResponse(op string) *Error {
	return newErr(KindEmptyResponse, op, nil, nil)
}

// ThreadingFault reports a failure surfaced by the work-unit/pool/scheduler
// substrate (invalid pool, locked mutex, condition timed out, etc).
func ThreadingFault(op, code string, cause error) *Error {
	return newErr(KindThreadingFault, op, cause, map[string]any{"code": code})
}

// MissingJoin reports an execution stream destroyed before all its units
// were joined.
func MissingJoin(op string) *Error {
	return newErr(KindMissingJoin, op, nil, nil)
}

// ConfigInvalid reports a rejected JSON configuration document.
func ConfigInvalid(path, reason string) *Error {
	return newErr(KindConfigInvalid, "config", nil, map[string]any{"path": path, "reason": reason})
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, &errs.Error{Kind: errs.KindTimeout}) style checks,
// or use the IsKind helper below. Implemented for errors.Is interop.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.cause == nil && len(t.Fields) == 0 {
		// A bare sentinel constructed only to carry a Kind for comparison.
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Op == t.Op
}

// IsKind reports whether err is (or wraps) an *Error of the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
