package engine

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when an operation names a queue or task
// that does not exist.
type NotFoundError struct {
	Kind string // "queue", "task", "run", "checkpoint"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("engine: %s %q not found", e.Kind, e.ID)
}

// CancelledError is returned when a mutating call targets a task that
// has already reached a terminal state: cancelled, and also completed or
// failed (spec.md §4.8, §5).
type CancelledError struct {
	TaskID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("engine: task %q is cancelled", e.TaskID)
}

// CheckpointConflictError is returned when a checkpoint write is fenced
// by a different live run owning the same checkpoint name (spec.md §4.5).
type CheckpointConflictError struct {
	TaskID         string
	CheckpointName string
	OwnerRunID     string
}

func (e *CheckpointConflictError) Error() string {
	return fmt.Sprintf("engine: checkpoint %q on task %q is owned by run %q", e.CheckpointName, e.TaskID, e.OwnerRunID)
}

// InvalidArgumentError wraps a caller mistake: missing queue, empty
// event name, malformed JSON, and similar non-retryable input errors.
type InvalidArgumentError struct {
	Message string
	Err     error
}

func (e *InvalidArgumentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine: invalid argument: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("engine: invalid argument: %s", e.Message)
}

func (e *InvalidArgumentError) Unwrap() error { return e.Err }

// BusyError wraps SQLITE_BUSY / SQLITE_LOCKED as surfaced by the driver.
// The engine never retries internally; callers must back off (spec.md §5, §7).
type BusyError struct {
	Err error
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("engine: database busy: %v", e.Err)
}

func (e *BusyError) Unwrap() error { return e.Err }

// IsRetryable reports whether a caller should retry the call after
// back-off, per the recovery column of spec.md §7.
func IsRetryable(err error) bool {
	var busy *BusyError
	return errors.As(err, &busy)
}

func invalidf(format string, args ...any) error {
	return &InvalidArgumentError{Message: fmt.Sprintf(format, args...)}
}
