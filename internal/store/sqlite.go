package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		original_input TEXT NOT NULL,
		user_id TEXT,
		task_type TEXT NOT NULL DEFAULT 'general',
		status TEXT NOT NULL,
		cancel_reason TEXT,
		cancelled_at INTEGER,
		created_at INTEGER NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(last_activity) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		position INTEGER NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER,
		ended_at INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_steps_session ON steps(session_id, position);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_single_running ON steps(session_id) WHERE status = 'running';

	CREATE TABLE IF NOT EXISTS rewards (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id),
		score REAL NOT NULL,
		quality_level TEXT NOT NULL,
		feedback TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS retry_records (
		id TEXT PRIMARY KEY,
		original_session_id TEXT NOT NULL,
		new_session_id TEXT NOT NULL UNIQUE,
		attempt_index INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		trigger_kind TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retry_lineage ON retry_records(original_session_id, attempt_index);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (id, original_input, user_id, task_type, status, created_at, last_activity)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	var userID interface{}
	if session.UserID != "" {
		userID = session.UserID
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.OriginalInput, userID, session.TaskType,
		string(session.Status), session.CreatedAt.Unix(), session.LastActivity.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, original_input, user_id, task_type, status, cancel_reason, cancelled_at, created_at, last_activity`

func scanSession(row interface{ Scan(...interface{}) error }) (*domain.Session, error) {
	var sess domain.Session
	var userID, cancelReason sql.NullString
	var cancelledAt sql.NullInt64
	var status string
	var createdAt, lastActivity int64

	err := row.Scan(
		&sess.ID, &sess.OriginalInput, &userID, &sess.TaskType, &status,
		&cancelReason, &cancelledAt, &createdAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	sess.UserID = userID.String
	sess.CancelReason = cancelReason.String
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.LastActivity = time.Unix(lastActivity, 0)
	if cancelledAt.Valid {
		ts := time.Unix(cancelledAt.Int64, 0)
		sess.CancelledAt = &ts
	}
	return &sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

func buildSessionFilter(f SessionFilter) (string, []interface{}) {
	where := ` WHERE 1=1`
	args := []interface{}{}

	if f.UserID != "" {
		where += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.TaskType != "" {
		where += ` AND task_type = ?`
		args = append(args, f.TaskType)
	}
	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.DateFrom != nil {
		where += ` AND created_at >= ?`
		args = append(args, f.DateFrom.Unix())
	}
	if f.DateTo != nil {
		where += ` AND created_at <= ?`
		args = append(args, f.DateTo.Unix())
	}
	return where, args
}

// ListSessions returns sessions matching the filter, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]*domain.Session, int, error) {
	where, args := buildSessionFilter(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, total, nil
}

// CountSessionsByStatus aggregates matching sessions per explicit status.
func (s *SQLiteStore) CountSessionsByStatus(ctx context.Context, f SessionFilter) (map[domain.SessionStatus]int, error) {
	where, args := buildSessionFilter(f)
	query := `SELECT status, COUNT(*) FROM sessions` + where + ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close status count rows", "error", closeErr)
		}
	}()

	counts := make(map[domain.SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count row: %w", err)
		}
		counts[domain.SessionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// transitionSession conditionally moves an active session to a terminal
// status. The WHERE clause is the optimistic terminal-immutability guard.
func (s *SQLiteStore) transitionSession(ctx context.Context, id string, to domain.SessionStatus, op string, extra string, extraArgs ...interface{}) error {
	query := `UPDATE sessions SET status = ?, last_activity = ?` + extra + ` WHERE id = ? AND status = 'active'`
	args := append([]interface{}{string(to), time.Now().Unix()}, extraArgs...)
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s session: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Distinguish a missing session from a terminal one.
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return &domain.TerminalStateConflictError{SessionID: id, Status: sess.Status, Op: op}
}

// CompleteSession moves an active session to completed.
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string) error {
	return s.transitionSession(ctx, id, domain.SessionCompleted, "complete", "")
}

// FailSession moves an active session to failed.
func (s *SQLiteStore) FailSession(ctx context.Context, id string) error {
	return s.transitionSession(ctx, id, domain.SessionFailed, "fail", "")
}

// CancelSession moves an active session to cancelled, stamping the reason.
func (s *SQLiteStore) CancelSession(ctx context.Context, id string, reason string, at time.Time) error {
	return s.transitionSession(ctx, id, domain.SessionCancelled, "cancel",
		`, cancel_reason = ?, cancelled_at = ?`, reason, at.Unix())
}

// TouchSession advances last_activity for an active session.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ? AND status = 'active' AND last_activity <= ?`,
		at.Unix(), id, at.Unix())
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		slog.Debug("TouchSession affected 0 rows", "session_id", id)
	}
	return nil
}

// GetStaleSessions retrieves active sessions with no activity within ttl.
func (s *SQLiteStore) GetStaleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status = 'active' AND last_activity < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query stale sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stale session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale sessions: %w", err)
	}
	return sessions, nil
}

// AppendStep inserts a pending step, rejecting terminal sessions inside one
// transaction so the terminal-immutability invariant holds under races.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *domain.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append step: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, step.SessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s: %w", step.SessionID, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}
	if domain.SessionStatus(status).Terminal() {
		return &domain.TerminalStateConflictError{
			SessionID: step.SessionID,
			Status:    domain.SessionStatus(status),
			Op:        "append step to",
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (id, session_id, position, phase, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		step.ID, step.SessionID, step.Position, string(step.Phase),
		string(step.Status), step.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE sessions SET last_activity = ? WHERE id = ?`,
		step.CreatedAt.Unix(), step.SessionID)
	if err != nil {
		return fmt.Errorf("update session activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append step: %w", err)
	}
	return nil
}

// StartStep transitions a step pending -> running with the single-flight
// guard: the conditional write refuses while another step of the same
// session holds running.
func (s *SQLiteStore) StartStep(ctx context.Context, stepID string, at time.Time) error {
	query := `
	UPDATE steps SET status = 'running', started_at = ?
	WHERE id = ? AND status = 'pending'
	  AND NOT EXISTS (
		SELECT 1 FROM steps other
		WHERE other.session_id = steps.session_id AND other.status = 'running'
	  )`

	result, err := s.db.ExecContext(ctx, query, at.Unix(), stepID)
	if err != nil {
		return fmt.Errorf("start step: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE id = ?`, stepID).Scan(&exists); err != nil {
		return fmt.Errorf("check step existence: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("step %s: %w", stepID, domain.ErrNotFound)
	}
	return fmt.Errorf("start step %s: %w", stepID, domain.ErrStepStateConflict)
}

// FinishStep transitions a running step to completed or error. Forward-only:
// the conditional write requires the step to currently be running.
func (s *SQLiteStore) FinishStep(ctx context.Context, stepID string, status domain.StepStatus, output, errMsg string, at time.Time) error {
	if status != domain.StepCompleted && status != domain.StepError {
		return fmt.Errorf("finish step %s: %q is not a terminal step status", stepID, status)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE steps SET status = ?, output = ?, error = ?, ended_at = ?
		WHERE id = ? AND status = 'running'`,
		string(status), output, errMsg, at.Unix(), stepID,
	)
	if err != nil {
		return fmt.Errorf("finish step: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("finish step %s: %w", stepID, domain.ErrStepStateConflict)
	}
	return nil
}

// ListSteps returns a session's steps in insertion order.
func (s *SQLiteStore) ListSteps(ctx context.Context, sessionID string) ([]*domain.Step, error) {
	query := `
		SELECT id, session_id, position, phase, status, output, error, started_at, ended_at, created_at
		FROM steps WHERE session_id = ? ORDER BY position ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close step rows", "error", closeErr)
		}
	}()

	var steps []*domain.Step
	for rows.Next() {
		var step domain.Step
		var phase, status string
		var startedAt, endedAt sql.NullInt64
		var createdAt int64

		if err := rows.Scan(
			&step.ID, &step.SessionID, &step.Position, &phase, &status,
			&step.Output, &step.Error, &startedAt, &endedAt, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan step row: %w", err)
		}

		step.Phase = domain.Phase(phase)
		step.Status = domain.StepStatus(status)
		step.CreatedAt = time.Unix(createdAt, 0)
		if startedAt.Valid {
			ts := time.Unix(startedAt.Int64, 0)
			step.StartedAt = &ts
		}
		if endedAt.Valid {
			ts := time.Unix(endedAt.Int64, 0)
			step.EndedAt = &ts
		}
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// SaveReward records the authoritative reward for a session.
func (s *SQLiteStore) SaveReward(ctx context.Context, reward *domain.Reward) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rewards (session_id, score, quality_level, feedback, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reward.SessionID, reward.Score, string(reward.Quality),
		reward.Feedback, reward.Duration.Milliseconds(), reward.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert reward: %w", err)
	}
	return nil
}

// GetReward retrieves a session's reward.
func (s *SQLiteStore) GetReward(ctx context.Context, sessionID string) (*domain.Reward, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, score, quality_level, feedback, duration_ms, created_at
		FROM rewards WHERE session_id = ?`, sessionID)

	var reward domain.Reward
	var quality string
	var durationMs, createdAt int64

	err := row.Scan(&reward.SessionID, &reward.Score, &quality, &reward.Feedback, &durationMs, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reward for session %s: %w", sessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan reward row: %w", err)
	}

	reward.Quality = domain.QualityLevel(quality)
	reward.Duration = time.Duration(durationMs) * time.Millisecond
	reward.CreatedAt = time.Unix(createdAt, 0)
	return &reward, nil
}

// AppendRetryRecord inserts a retry record with the cap check inside the
// same transaction, so concurrent callers cannot exceed the lineage budget.
func (s *SQLiteStore) AppendRetryRecord(ctx context.Context, record *domain.RetryRecord, max int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append retry record: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM retry_records WHERE original_session_id = ?`,
		record.OriginalSessionID).Scan(&count)
	if err != nil {
		return fmt.Errorf("count retry records: %w", err)
	}
	if count >= max {
		return &domain.RetryLimitExceededError{
			OriginalSessionID: record.OriginalSessionID,
			Attempts:          count,
			Max:               max,
		}
	}

	record.AttemptIndex = count + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO retry_records (id, original_session_id, new_session_id, attempt_index, strategy, trigger_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.OriginalSessionID, record.NewSessionID,
		record.AttemptIndex, record.Strategy, string(record.Trigger), record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert retry record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append retry record: %w", err)
	}
	return nil
}

const retryColumns = `id, original_session_id, new_session_id, attempt_index, strategy, trigger_kind, created_at`

func scanRetryRecord(row interface{ Scan(...interface{}) error }) (*domain.RetryRecord, error) {
	var rec domain.RetryRecord
	var trigger string
	var createdAt int64

	err := row.Scan(&rec.ID, &rec.OriginalSessionID, &rec.NewSessionID,
		&rec.AttemptIndex, &rec.Strategy, &trigger, &createdAt)
	if err != nil {
		return nil, err
	}
	rec.Trigger = domain.RetryTrigger(trigger)
	rec.CreatedAt = time.Unix(createdAt, 0)
	return &rec, nil
}

// ListRetryRecords returns a lineage's retry records in attempt order.
func (s *SQLiteStore) ListRetryRecords(ctx context.Context, originalSessionID string) ([]*domain.RetryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retryColumns+` FROM retry_records WHERE original_session_id = ? ORDER BY attempt_index ASC`,
		originalSessionID)
	if err != nil {
		return nil, fmt.Errorf("query retry records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close retry record rows", "error", closeErr)
		}
	}()

	var records []*domain.RetryRecord
	for rows.Next() {
		rec, err := scanRetryRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retry record row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retry records: %w", err)
	}
	return records, nil
}

// GetRetryRecordByNewSession finds the record that spawned the given session.
func (s *SQLiteStore) GetRetryRecordByNewSession(ctx context.Context, newSessionID string) (*domain.RetryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+retryColumns+` FROM retry_records WHERE new_session_id = ?`, newSessionID)
	rec, err := scanRetryRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("retry record for session %s: %w", newSessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan retry record row: %w", err)
	}
	return rec, nil
}

// ClearRetryRecords deletes a lineage's retry history.
func (s *SQLiteStore) ClearRetryRecords(ctx context.Context, originalSessionID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_records WHERE original_session_id = ?`, originalSessionID)
	if err != nil {
		return 0, fmt.Errorf("clear retry records: %w", err)
	}
	return result.RowsAffected()
}
