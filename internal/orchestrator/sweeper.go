package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/store"
)

// Sweeper periodically fails active sessions with no recent activity, so a
// crashed run cannot leave a session active forever.
type Sweeper struct {
	repo     store.Repository
	ttl      time.Duration
	interval time.Duration
	events   Publisher
}

// NewSweeper creates a sweeper. events may be nil.
func NewSweeper(repo store.Repository, ttl, interval time.Duration, events Publisher) *Sweeper {
	return &Sweeper{repo: repo, ttl: ttl, interval: interval, events: events}
}

// Start runs the sweep loop in a background goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", s.interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// sweep fails every stale active session. A session that turned terminal
// between the query and the update is skipped, not an error.
func (s *Sweeper) sweep(ctx context.Context) {
	stale, err := s.repo.GetStaleSessions(ctx, s.ttl)
	if err != nil {
		slog.Error("Sweeper failed to query stale sessions", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	slog.Info("Sweeper found stale sessions", "count", len(stale))

	failed := 0
	for _, sess := range stale {
		err := withConflictRetry(func() error { return s.repo.FailSession(ctx, sess.ID) })
		if err != nil {
			var terminal *domain.TerminalStateConflictError
			if errors.As(err, &terminal) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			slog.Error("Sweeper failed to fail stale session", "session_id", sess.ID, "error", err)
			continue
		}
		failed++
		if s.events != nil {
			s.events.Publish(sess.ID, Event{SessionID: sess.ID, Status: domain.StatusFailed, At: time.Now()})
		}
		slog.Info("Stale session failed",
			"session_id", sess.ID,
			"last_activity", sess.LastActivity)
	}

	if failed > 0 {
		slog.Info("Sweeper pass completed", "failed", failed)
	}
}
