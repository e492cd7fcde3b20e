// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
)

// SessionFilter narrows session listings. Zero values match everything.
type SessionFilter struct {
	UserID   string
	TaskType string
	Status   domain.SessionStatus
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// Repository defines the interface for persisting sessions, steps, rewards,
// and retry records. Conditional-update methods return domain conflict
// errors when the optimistic precondition no longer holds.
type Repository interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by id. Returns domain.ErrNotFound when absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns sessions matching the filter, newest first, plus
	// the total match count ignoring limit/offset.
	ListSessions(ctx context.Context, f SessionFilter) ([]*domain.Session, int, error)

	// CountSessionsByStatus aggregates matching sessions per explicit status.
	CountSessionsByStatus(ctx context.Context, f SessionFilter) (map[domain.SessionStatus]int, error)

	// CompleteSession moves an active session to completed.
	// Fails with TerminalStateConflictError if the session is already terminal.
	CompleteSession(ctx context.Context, id string) error

	// FailSession moves an active session to failed.
	FailSession(ctx context.Context, id string) error

	// CancelSession moves an active session to cancelled, stamping the reason.
	CancelSession(ctx context.Context, id string, reason string, at time.Time) error

	// TouchSession advances last_activity for an active session.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// GetStaleSessions retrieves active sessions with no activity within ttl.
	GetStaleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// AppendStep inserts a pending step for a session. Fails with
	// TerminalStateConflictError when the session is terminal.
	AppendStep(ctx context.Context, step *domain.Step) error

	// StartStep transitions a step from pending to running, but only while no
	// other step of the same session is running (single-flight guard).
	// Returns domain.ErrStepStateConflict when the conditional write loses.
	StartStep(ctx context.Context, stepID string, at time.Time) error

	// FinishStep transitions a running step to completed or error.
	FinishStep(ctx context.Context, stepID string, status domain.StepStatus, output, errMsg string, at time.Time) error

	// ListSteps returns a session's steps in insertion order.
	ListSteps(ctx context.Context, sessionID string) ([]*domain.Step, error)

	// SaveReward records the authoritative reward for a session. A second
	// write for the same session fails.
	SaveReward(ctx context.Context, reward *domain.Reward) error

	// GetReward retrieves a session's reward, or domain.ErrNotFound.
	GetReward(ctx context.Context, sessionID string) (*domain.Reward, error)

	// AppendRetryRecord inserts a retry record after checking, inside the same
	// transaction, that the lineage has fewer than max records. On success the
	// record's AttemptIndex is filled in. Returns RetryLimitExceededError and
	// performs no mutation when the cap is reached.
	AppendRetryRecord(ctx context.Context, record *domain.RetryRecord, max int) error

	// ListRetryRecords returns a lineage's retry records in attempt order.
	ListRetryRecords(ctx context.Context, originalSessionID string) ([]*domain.RetryRecord, error)

	// GetRetryRecordByNewSession finds the record that spawned the given
	// session, or domain.ErrNotFound when the session is not a retry.
	GetRetryRecordByNewSession(ctx context.Context, newSessionID string) (*domain.RetryRecord, error)

	// ClearRetryRecords deletes a lineage's retry history.
	ClearRetryRecords(ctx context.Context, originalSessionID string) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
