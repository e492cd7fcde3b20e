// Package domain contains core domain types for the Taskflow orchestration service.
package domain

import (
	"time"
)

// SessionStatus is the explicit, authoritative status stored on a session.
type SessionStatus string

const (
	// SessionActive marks a session whose phase sequence may still progress.
	SessionActive SessionStatus = "active"
	// SessionCompleted marks a session whose every phase finished successfully.
	SessionCompleted SessionStatus = "completed"
	// SessionFailed marks a session aborted by a phase failure or staleness sweep.
	SessionFailed SessionStatus = "failed"
	// SessionCancelled marks a session cancelled by a caller.
	SessionCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status is immutable once reached.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known session statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionFailed, SessionCancelled:
		return true
	default:
		return false
	}
}

// Session is one end-to-end task execution attempt.
// OriginalInput and UserID are immutable after creation; terminal statuses
// are immutable once set.
type Session struct {
	ID            string
	OriginalInput string
	UserID        string // optional, empty when the caller is anonymous
	TaskType      string
	Status        SessionStatus
	CancelReason  string
	CancelledAt   *time.Time
	CreatedAt     time.Time
	LastActivity  time.Time
}
