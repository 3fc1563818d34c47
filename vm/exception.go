package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Guest exceptions
// ---------------------------------------------------------------------------

// ExcKind enumerates the guest-visible exception kinds. The set is fixed:
// guest programs can construct, raise, and catch these, and nothing else.
type ExcKind uint8

const (
	ExcException ExcKind = iota // catch-all base kind
	ExcTypeError
	ExcValueError
	ExcKeyError
	ExcIndexError
	ExcZeroDivisionError
	ExcNameError
	ExcRuntimeError
	ExcStopIteration
	ExcAssertionError
	ExcRecursionError
)

var excKindNames = [...]string{
	ExcException:         "Exception",
	ExcTypeError:         "TypeError",
	ExcValueError:        "ValueError",
	ExcKeyError:          "KeyError",
	ExcIndexError:        "IndexError",
	ExcZeroDivisionError: "ZeroDivisionError",
	ExcNameError:         "NameError",
	ExcRuntimeError:      "RuntimeError",
	ExcStopIteration:     "StopIteration",
	ExcAssertionError:    "AssertionError",
	ExcRecursionError:    "RecursionError",
}

// Name returns the guest-visible exception name.
func (k ExcKind) Name() string {
	if int(k) < len(excKindNames) {
		return excKindNames[k]
	}
	return fmt.Sprintf("Exception#%d", uint8(k))
}

// GuestError is an exception raised inside the guest program. It follows
// the guest's own propagation rules: a handler installed with OpPushHandler
// catches it and execution continues; uncaught it fails the execution.
//
// GuestError is distinct from fatal host-side errors (resource exhaustion,
// snapshot corruption) and from internal invariant violations, which are
// never guest-catchable.
type GuestError struct {
	Kind ExcKind
	Msg  string
}

func (e *GuestError) Error() string {
	if e.Msg == "" {
		return e.Kind.Name()
	}
	return e.Kind.Name() + ": " + e.Msg
}

func typeErrorf(format string, args ...any) *GuestError {
	return &GuestError{Kind: ExcTypeError, Msg: fmt.Sprintf(format, args...)}
}

func valueErrorf(format string, args ...any) *GuestError {
	return &GuestError{Kind: ExcValueError, Msg: fmt.Sprintf(format, args...)}
}

func keyErrorf(format string, args ...any) *GuestError {
	return &GuestError{Kind: ExcKeyError, Msg: fmt.Sprintf(format, args...)}
}

func indexErrorf(format string, args ...any) *GuestError {
	return &GuestError{Kind: ExcIndexError, Msg: fmt.Sprintf(format, args...)}
}

func nameErrorf(format string, args ...any) *GuestError {
	return &GuestError{Kind: ExcNameError, Msg: fmt.Sprintf(format, args...)}
}

// unhashableError is the TypeError surfaced when a mutable payload kind is
// used where a hash is required (e.g. as a dict key).
func unhashableError(tag TypeTag) *GuestError {
	return typeErrorf("unhashable type: '%s'", tag.Name())
}

// ---------------------------------------------------------------------------
// Fatal (non-guest) errors
// ---------------------------------------------------------------------------

// StackOverflowError is returned when a call would exceed the configured
// maximum frame depth. It is fatal to the execution: depth protection
// exists to protect the host process, so the guest cannot catch it.
type StackOverflowError struct {
	Depth int
	Max   int
}

func (e *StackOverflowError) Error() string {
	return fmt.Sprintf("stack overflow: depth %d exceeds maximum %d", e.Depth, e.Max)
}

// ErrNotSuspended is returned by Resume, ResumeWithError, and Dump when the
// execution is not in the Suspended state. Calling them out of order is a
// programming-contract violation by the embedder; the execution state is
// left untouched.
var ErrNotSuspended = errors.New("execution is not suspended")

// InternalError reports a broken engine invariant (refcount underflow,
// dangling ObjectID, inconsistent frame linkage). It indicates a bug in the
// engine, never a guest error, and is reported distinctly so it can't be
// mistaken for one.
type InternalError struct {
	Msg string
}

func (e *InternalError) Error() string {
	return "internal invariant violation: " + e.Msg
}

func internalf(format string, args ...any) *InternalError {
	return &InternalError{Msg: fmt.Sprintf(format, args...)}
}
