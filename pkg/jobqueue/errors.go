package jobqueue

import (
	"errors"
	"fmt"
)

// Sentinel errors for queue operations.
var (
	// ErrValidation indicates caller input was rejected before any mutation.
	ErrValidation = errors.New("validation failed")

	// ErrState indicates the operation is not legal from the job's current state.
	ErrState = errors.New("illegal state transition")

	// ErrNotFound indicates the job record does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrCorrupt indicates the job record exists but cannot be parsed.
	ErrCorrupt = errors.New("job record corrupt")

	// ErrSchedulerLocked indicates another live scheduler owns the store.
	ErrSchedulerLocked = errors.New("scheduler lock held by another process")
)

// ValidationError wraps a rejected input.
type ValidationError struct {
	// Field names the offending input, if known.
	Field string

	// Err is the underlying validator error.
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %v", ErrValidation, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", ErrValidation, e.Err)
}

// Unwrap returns both the sentinel and the cause for errors.Is/As support.
func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

// StateError reports an operation attempted from an incompatible state.
type StateError struct {
	// ID is the job id.
	ID string

	// Op is the rejected operation (e.g., "cancel", "reset").
	Op string

	// Status is the job's state at the time of the attempt.
	Status JobStatus

	// Reason optionally refines the message.
	Reason string
}

// Error implements the error interface.
func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s job %s (status %s): %s", ErrState, e.Op, e.ID, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: %s job %s (status %s)", ErrState, e.Op, e.ID, e.Status)
}

// Unwrap returns the sentinel.
func (e *StateError) Unwrap() error {
	return ErrState
}

// CorruptRecordError reports an unparseable record on disk.
type CorruptRecordError struct {
	ID   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *CorruptRecordError) Error() string {
	return fmt.Sprintf("%s: %s (%s): %v", ErrCorrupt, e.ID, e.Path, e.Err)
}

// Unwrap returns both the sentinel and the parse error.
func (e *CorruptRecordError) Unwrap() []error {
	return []error{ErrCorrupt, e.Err}
}

// IsValidation returns true if the error is a rejected input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsState returns true if the error is an illegal transition.
func IsState(err error) bool {
	return errors.Is(err, ErrState)
}

// IsNotFound returns true if the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCorrupt returns true if the record exists but could not be parsed.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
