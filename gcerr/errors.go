// ABOUTME: Error taxonomy shared by the heap, tracer and finalization packages
// ABOUTME: Sentinel errors are wrapped with context; finalizer failures are reported, not returned

// Package gcerr defines the errors surfaced by the gcheap packages.
package gcerr

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for null handles, zero sizes and
	// other malformed inputs.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned when an operation is not allowed in the
	// current state, e.g. re-registering outside of finalizer execution.
	ErrInvalidState = errors.New("invalid state")

	// ErrOutOfMemory is returned when an allocation does not fit in the
	// configured heap limit, even after a collection.
	ErrOutOfMemory = errors.New("out of memory")
)

// InvalidArgument wraps ErrInvalidArgument with a formatted message.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// InvalidState wraps ErrInvalidState with a formatted message.
func InvalidState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}

// FinalizerFailure describes a finalizer that returned an error or
// panicked. It is delivered to the unhandled finalizer failure handler and
// never re-thrown on the collecting goroutine.
type FinalizerFailure struct {
	Object uint64
	Pass   uint64
	Cause  error
	// Panicked is set when the finalizer panicked instead of returning.
	Panicked bool
}

func (f *FinalizerFailure) Error() string {
	if f.Panicked {
		return fmt.Sprintf("finalizer for object %d panicked in pass %d: %v", f.Object, f.Pass, f.Cause)
	}
	return fmt.Sprintf("finalizer for object %d failed in pass %d: %v", f.Object, f.Pass, f.Cause)
}

func (f *FinalizerFailure) Unwrap() error {
	return f.Cause
}
