package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session, step, or reward does not exist.
var ErrNotFound = errors.New("not found")

// ErrStepStateConflict is returned when a conditional step transition loses
// an optimistic write race: the step is no longer in the expected status, or
// another step of the same session already holds running.
var ErrStepStateConflict = errors.New("step state conflict")

// ValidationError rejects malformed input before any session is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TerminalStateConflictError rejects a mutation against a session whose
// terminal status forbids it.
type TerminalStateConflictError struct {
	SessionID string
	Status    SessionStatus
	Op        string
}

func (e *TerminalStateConflictError) Error() string {
	return fmt.Sprintf("cannot %s session %s: status %s is terminal", e.Op, e.SessionID, e.Status)
}

// ActiveSessionConflictError rejects a retry of a session still in flight.
type ActiveSessionConflictError struct {
	SessionID string
}

func (e *ActiveSessionConflictError) Error() string {
	return fmt.Sprintf("session %s is still active and cannot be retried", e.SessionID)
}

// RetryLimitExceededError reports an exhausted retry budget for a lineage.
type RetryLimitExceededError struct {
	OriginalSessionID string
	Attempts          int
	Max               int
}

func (e *RetryLimitExceededError) Error() string {
	return fmt.Sprintf("retry limit exceeded for session %s: %d/%d attempts used", e.OriginalSessionID, e.Attempts, e.Max)
}

// PhaseExecutionError wraps a phase executor failure. At the orchestration
// boundary it becomes the task result's error field, not an exception.
type PhaseExecutionError struct {
	SessionID string
	Phase     Phase
	Err       error
}

func (e *PhaseExecutionError) Error() string {
	return fmt.Sprintf("phase %s failed for session %s: %v", e.Phase, e.SessionID, e.Err)
}

func (e *PhaseExecutionError) Unwrap() error { return e.Err }

// IsConflict reports whether err is any of the conflict errors that callers
// should surface as a 409 rather than retry.
func IsConflict(err error) bool {
	var terminal *TerminalStateConflictError
	var active *ActiveSessionConflictError
	var limit *RetryLimitExceededError
	return errors.As(err, &terminal) || errors.As(err, &active) || errors.As(err, &limit) ||
		errors.Is(err, ErrStepStateConflict)
}
