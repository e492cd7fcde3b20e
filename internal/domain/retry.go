package domain

import (
	"time"
)

// RetryTrigger records how a retry attempt was initiated.
type RetryTrigger string

const (
	TriggerAutomatic RetryTrigger = "automatic"
	TriggerManual    RetryTrigger = "manual"
)

// Valid reports whether t is a known trigger kind.
func (t RetryTrigger) Valid() bool {
	return t == TriggerAutomatic || t == TriggerManual
}

// RetryRecord links a retried session to the fresh session that replaces it.
// Records are keyed by the lineage's original session id so chained retries
// share one attempt counter.
type RetryRecord struct {
	ID                string
	OriginalSessionID string
	NewSessionID      string
	AttemptIndex      int // 1-based
	Strategy          string
	Trigger           RetryTrigger
	CreatedAt         time.Time
}
