package efs

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure the way the host transport needs to see it:
// coarse enough to map onto a handful of errno values, independent of the
// on-disk layout that produced it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindIsDir
	KindNotDir
	KindAccessDenied
	KindReadOnlyViolation
	KindBadHandle
	KindNotSupported
	KindNotImplemented
	KindIOError
	KindNoSpace
	KindFragmentLimit
	KindStale
	KindCorrupt
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindIsDir:
		return "is-dir"
	case KindNotDir:
		return "not-dir"
	case KindAccessDenied:
		return "access-denied"
	case KindReadOnlyViolation:
		return "read-only-violation"
	case KindBadHandle:
		return "bad-handle"
	case KindNotSupported:
		return "not-supported"
	case KindNotImplemented:
		return "not-implemented"
	case KindIOError:
		return "io-error"
	case KindNoSpace:
		return "no-space"
	case KindFragmentLimit:
		return "fragment-limit"
	case KindStale:
		return "stale"
	case KindCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// Error is the concrete error type every efs operation returns on failure.
// Op names the failing operation for logging; Kind is what callers should
// branch on.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("efs: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("efs: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind ErrorKind, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind carried by err, or KindUnknown if err was not
// produced by this package.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
