// Package retry maintains the bounded, lineage-keyed retry history.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/google/uuid"
)

// LineageMode controls how chained retries are counted.
type LineageMode string

const (
	// LineageRoot rolls a retry-of-a-retry up under the root original
	// session id, so one budget covers the whole chain.
	LineageRoot LineageMode = "root"
	// LineageChained gives each retried session a fresh budget keyed by its
	// own id.
	LineageChained LineageMode = "chained"
)

// Valid reports whether m is a known lineage mode.
func (m LineageMode) Valid() bool {
	return m == LineageRoot || m == LineageChained
}

// maxLineageDepth bounds the root walk so a corrupt cycle cannot spin.
const maxLineageDepth = 32

// Manager enforces the per-lineage retry cap. It is the sole writer of
// retry records.
type Manager struct {
	repo store.Repository
	max  int
	mode LineageMode
}

// NewManager creates a retry manager with the given attempt cap.
func NewManager(repo store.Repository, max int, mode LineageMode) *Manager {
	if !mode.Valid() {
		mode = LineageRoot
	}
	return &Manager{repo: repo, max: max, mode: mode}
}

// Max returns the configured attempt cap.
func (m *Manager) Max() int { return m.max }

// ResolveLineage maps a session id to the id its retry history is keyed by.
// In root mode this walks retry links back to the original session; in
// chained mode the session's own id is the key.
func (m *Manager) ResolveLineage(ctx context.Context, sessionID string) (string, error) {
	if m.mode == LineageChained {
		return sessionID, nil
	}

	current := sessionID
	for depth := 0; depth < maxLineageDepth; depth++ {
		rec, err := m.repo.GetRetryRecordByNewSession(ctx, current)
		if errors.Is(err, domain.ErrNotFound) {
			return current, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolve lineage for %s: %w", sessionID, err)
		}
		current = rec.OriginalSessionID
	}
	return "", fmt.Errorf("resolve lineage for %s: chain deeper than %d", sessionID, maxLineageDepth)
}

// RecordAttempt appends a retry record for the lineage, enforcing the cap.
// originalSessionID may be any session in the lineage; it is resolved to the
// lineage key first. Returns RetryLimitExceededError without mutating
// history once the cap is reached.
func (m *Manager) RecordAttempt(ctx context.Context, originalSessionID, newSessionID, strategy string, trigger domain.RetryTrigger) (*domain.RetryRecord, error) {
	lineage, err := m.ResolveLineage(ctx, originalSessionID)
	if err != nil {
		return nil, err
	}

	rec := &domain.RetryRecord{
		ID:                uuid.NewString(),
		OriginalSessionID: lineage,
		NewSessionID:      newSessionID,
		Strategy:          strategy,
		Trigger:           trigger,
		CreatedAt:         time.Now(),
	}
	if err := m.repo.AppendRetryRecord(ctx, rec, m.max); err != nil {
		return nil, err
	}

	slog.Info("Retry attempt recorded",
		"lineage", lineage,
		"new_session_id", newSessionID,
		"attempt", rec.AttemptIndex,
		"strategy", strategy,
		"trigger", trigger)
	return rec, nil
}

// History returns the lineage's retry records in attempt order.
func (m *Manager) History(ctx context.Context, sessionID string) ([]*domain.RetryRecord, error) {
	lineage, err := m.ResolveLineage(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.repo.ListRetryRecords(ctx, lineage)
}

// Clear wipes the lineage's retry history. Used when a session is cancelled.
func (m *Manager) Clear(ctx context.Context, sessionID string) (int64, error) {
	lineage, err := m.ResolveLineage(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	deleted, err := m.repo.ClearRetryRecords(ctx, lineage)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		slog.Info("Retry history cleared", "lineage", lineage, "records_deleted", deleted)
	}
	return deleted, nil
}
