// Package orchestrator drives task sessions through the fixed phase
// sequence, owning every status transition and checkpoint write.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/phaseexec"
	"github.com/ashureev/taskflow/internal/retry"
	"github.com/ashureev/taskflow/internal/shared"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/google/uuid"
)

// maxInputBytes bounds the accepted task description size.
const maxInputBytes = 10000

const defaultTaskType = "general"

// Event describes a session status change for subscribers.
type Event struct {
	SessionID string               `json:"session_id"`
	Status    domain.DerivedStatus `json:"status"`
	Phase     domain.Phase         `json:"phase,omitempty"`
	Score     *float64             `json:"score,omitempty"`
	At        time.Time            `json:"at"`
}

// Publisher receives session events as they happen. Implementations must not
// block; the orchestrator calls Publish on its hot path.
type Publisher interface {
	Publish(sessionID string, event Event)
}

// Orchestrator coordinates the store, phase executors, and retry manager.
type Orchestrator struct {
	repo      store.Repository
	executors phaseexec.Registry
	retries   *retry.Manager
	events    Publisher
}

// New creates an orchestrator. events may be nil when no subscribers exist.
func New(repo store.Repository, executors phaseexec.Registry, retries *retry.Manager, events Publisher) *Orchestrator {
	return &Orchestrator{repo: repo, executors: executors, retries: retries, events: events}
}

// SubmitInput is a new task submission.
type SubmitInput struct {
	Input    string
	UserID   string
	TaskType string
}

// TaskResult is the synchronous outcome of running a session to its end.
// Phase failures land in Error rather than in the returned error: at this
// boundary a failed task is a result, not an exception.
type TaskResult struct {
	SessionID string
	Status    domain.DerivedStatus
	Output    string
	Score     *float64
	Quality   domain.QualityLevel
	Error     string
}

// lineageContext carries what earlier attempts in a retry chain produced.
type lineageContext struct {
	attempt      int
	priorOutputs []string
	priorScores  []float64
}

func validateSubmit(in *SubmitInput) error {
	in.Input = strings.TrimSpace(in.Input)
	if in.Input == "" {
		return &domain.ValidationError{Field: "input", Reason: "must not be empty"}
	}
	if len(in.Input) > maxInputBytes {
		return &domain.ValidationError{Field: "input", Reason: fmt.Sprintf("exceeds %d bytes", maxInputBytes)}
	}
	if in.TaskType == "" {
		in.TaskType = defaultTaskType
	}
	return nil
}

// Submit validates the input, creates a session, and runs it through the
// full phase sequence before returning.
func (o *Orchestrator) Submit(ctx context.Context, in SubmitInput) (*TaskResult, error) {
	if err := validateSubmit(&in); err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &domain.Session{
		ID:            uuid.NewString(),
		OriginalInput: in.Input,
		UserID:        in.UserID,
		TaskType:      in.TaskType,
		Status:        domain.SessionActive,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if err := withConflictRetry(func() error { return o.repo.CreateSession(ctx, sess) }); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("Task submitted",
		"session_id", sess.ID,
		"task_type", sess.TaskType,
		"input_bytes", len(in.Input))

	return o.run(ctx, sess, lineageContext{})
}

// run executes the phase sequence for an already-created active session.
// Every phase gets a durable step record before, during, and after execution,
// so a crash mid-phase leaves an inspectable trail.
func (o *Orchestrator) run(ctx context.Context, sess *domain.Session, lin lineageContext) (*TaskResult, error) {
	outputs := make(map[domain.Phase]string)
	result := &TaskResult{SessionID: sess.ID}

	for i, phase := range domain.DefaultPhaseSequence() {
		// Cooperative cancellation: a cancel between phases stops the run at
		// the next checkpoint without clobbering the cancelled status.
		cur, err := o.repo.GetSession(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("check session before %s: %w", phase, err)
		}
		if cur.Status == domain.SessionCancelled {
			slog.Info("Session cancelled mid-run, stopping", "session_id", sess.ID, "before_phase", phase)
			result.Status = domain.StatusCancelled
			return result, nil
		}
		if cur.Status.Terminal() {
			result.Status = domain.ResolveStatus(cur, nil)
			return result, nil
		}

		step := &domain.Step{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Position:  i,
			Phase:     phase,
			Status:    domain.StepPending,
			CreatedAt: time.Now(),
		}
		if err := withConflictRetry(func() error { return o.repo.AppendStep(ctx, step) }); err != nil {
			var terminal *domain.TerminalStateConflictError
			if errors.As(err, &terminal) && terminal.Status == domain.SessionCancelled {
				result.Status = domain.StatusCancelled
				return result, nil
			}
			return nil, fmt.Errorf("append %s step: %w", phase, err)
		}
		if err := withConflictRetry(func() error { return o.repo.StartStep(ctx, step.ID, time.Now()) }); err != nil {
			return nil, fmt.Errorf("start %s step: %w", phase, err)
		}
		o.publish(sess.ID, Event{SessionID: sess.ID, Status: domain.StatusRunning, Phase: phase, At: time.Now()})

		executor, ok := o.executors[phase]
		if !ok {
			err := &domain.PhaseExecutionError{
				SessionID: sess.ID,
				Phase:     phase,
				Err:       fmt.Errorf("no executor registered"),
			}
			return o.failRun(ctx, sess.ID, step.ID, result, err)
		}

		started := time.Now()
		res, execErr := executor.Execute(ctx, phaseexec.Request{
			SessionID:    sess.ID,
			Phase:        phase,
			Input:        sess.OriginalInput,
			Prior:        outputs,
			Attempt:      lin.attempt,
			PriorOutputs: lin.priorOutputs,
			PriorScores:  lin.priorScores,
		})
		if execErr != nil {
			return o.failRun(ctx, sess.ID, step.ID, result, execErr)
		}

		if err := withConflictRetry(func() error {
			return o.repo.FinishStep(ctx, step.ID, domain.StepCompleted, res.Output, "", time.Now())
		}); err != nil {
			return nil, fmt.Errorf("finish %s step: %w", phase, err)
		}
		outputs[phase] = res.Output

		// Heartbeat for the staleness sweeper.
		if err := o.repo.TouchSession(ctx, sess.ID, time.Now()); err != nil {
			slog.Debug("Failed to touch session", "session_id", sess.ID, "error", err)
		}

		if phase == domain.PhaseReward && res.Score != nil {
			if err := o.saveReward(ctx, sess.ID, res, time.Since(started)); err != nil {
				return nil, err
			}
			result.Score = res.Score
			result.Quality = domain.QualityForScore(*res.Score)
		}
	}

	if err := withConflictRetry(func() error { return o.repo.CompleteSession(ctx, sess.ID) }); err != nil {
		var terminal *domain.TerminalStateConflictError
		if errors.As(err, &terminal) && terminal.Status == domain.SessionCancelled {
			result.Status = domain.StatusCancelled
			return result, nil
		}
		return nil, fmt.Errorf("complete session: %w", err)
	}

	result.Status = domain.StatusCompleted
	result.Output = outputs[domain.PhaseBuild]
	o.publish(sess.ID, Event{SessionID: sess.ID, Status: domain.StatusCompleted, Score: result.Score, At: time.Now()})

	slog.Info("Task completed", "session_id", sess.ID, "score", scoreValue(result.Score))
	return result, nil
}

// failRun records a phase failure on the step and the session, then returns
// the failure as a result.
func (o *Orchestrator) failRun(ctx context.Context, sessionID, stepID string, result *TaskResult, execErr error) (*TaskResult, error) {
	if err := withConflictRetry(func() error {
		return o.repo.FinishStep(ctx, stepID, domain.StepError, "", execErr.Error(), time.Now())
	}); err != nil {
		slog.Error("Failed to record step error", "session_id", sessionID, "step_id", stepID, "error", err)
	}
	if err := withConflictRetry(func() error { return o.repo.FailSession(ctx, sessionID) }); err != nil {
		var terminal *domain.TerminalStateConflictError
		if !errors.As(err, &terminal) {
			slog.Error("Failed to mark session failed", "session_id", sessionID, "error", err)
		}
	}

	o.publish(sessionID, Event{SessionID: sessionID, Status: domain.StatusFailed, At: time.Now()})
	slog.Warn("Task failed", "session_id", sessionID, "error", execErr)

	result.Status = domain.StatusFailed
	result.Error = execErr.Error()
	return result, nil
}

func (o *Orchestrator) saveReward(ctx context.Context, sessionID string, res *phaseexec.Result, took time.Duration) error {
	feedback := ""
	var eval phaseexec.Evaluation
	if err := json.Unmarshal([]byte(res.Output), &eval); err == nil {
		feedback = eval.Feedback.Summary
	}

	reward := &domain.Reward{
		SessionID: sessionID,
		Score:     *res.Score,
		Quality:   domain.QualityForScore(*res.Score),
		Feedback:  feedback,
		Duration:  took,
		CreatedAt: time.Now(),
	}
	if err := withConflictRetry(func() error { return o.repo.SaveReward(ctx, reward) }); err != nil {
		return fmt.Errorf("save reward: %w", err)
	}
	return nil
}

// Cancel moves an active session to cancelled and wipes its retry history.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, reason string) error {
	if reason == "" {
		reason = "cancelled by user"
	}
	if err := withConflictRetry(func() error {
		return o.repo.CancelSession(ctx, sessionID, reason, time.Now())
	}); err != nil {
		return err
	}

	if _, err := o.retries.Clear(ctx, sessionID); err != nil {
		slog.Warn("Failed to clear retry history on cancel", "session_id", sessionID, "error", err)
	}

	o.publish(sessionID, Event{SessionID: sessionID, Status: domain.StatusCancelled, At: time.Now()})
	slog.Info("Session cancelled", "session_id", sessionID, "reason", reason)
	return nil
}

// Progress summarizes step completion for a session.
type Progress struct {
	TotalSteps           int
	CompletedSteps       int
	FailedSteps          int
	CompletionPercentage float64
}

// RetryInfo reports the lineage's retry budget state.
type RetryInfo struct {
	Attempts int
	Max      int
	CanRetry bool
}

// StatusReport is the full public view of one session.
type StatusReport struct {
	Session      *domain.Session
	Status       domain.DerivedStatus
	CurrentPhase domain.Phase
	Progress     Progress
	Score        *float64
	Quality      domain.QualityLevel
	Feedback     string
	Retry        RetryInfo
	Steps        []*domain.Step
}

// GetStatus assembles the derived status, progress, reward, and retry state
// for a session.
func (o *Orchestrator) GetStatus(ctx context.Context, sessionID string) (*StatusReport, error) {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	steps, err := o.repo.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{
		Session: sess,
		Status:  domain.ResolveStatus(sess, steps),
		Steps:   steps,
	}

	for _, st := range steps {
		report.Progress.TotalSteps++
		switch st.Status {
		case domain.StepCompleted:
			report.Progress.CompletedSteps++
		case domain.StepError:
			report.Progress.FailedSteps++
		case domain.StepRunning:
			if report.CurrentPhase == "" {
				report.CurrentPhase = st.Phase
			}
		}
	}
	if report.Progress.TotalSteps > 0 {
		report.Progress.CompletionPercentage =
			float64(report.Progress.CompletedSteps) / float64(report.Progress.TotalSteps) * 100
	}

	if reward, err := o.repo.GetReward(ctx, sessionID); err == nil {
		report.Score = &reward.Score
		report.Quality = reward.Quality
		report.Feedback = reward.Feedback
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	history, err := o.retries.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report.Retry = RetryInfo{
		Attempts: len(history),
		Max:      o.retries.Max(),
		CanRetry: len(history) < o.retries.Max() &&
			sess.Status.Terminal() && sess.Status != domain.SessionCancelled,
	}
	return report, nil
}

// RetryReceipt acknowledges an accepted retry before the new session runs.
type RetryReceipt struct {
	OriginalSessionID string
	NewSessionID      string
	Attempt           int
	Strategy          string
}

// Retry spawns a fresh session for a finished one and runs it in the
// background. Active sessions cannot be retried; cancelled sessions stay
// cancelled. The retry manager enforces the lineage cap atomically.
func (o *Orchestrator) Retry(ctx context.Context, sessionID, strategy string, trigger domain.RetryTrigger) (*RetryReceipt, error) {
	sess, err := o.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionActive {
		return nil, &domain.ActiveSessionConflictError{SessionID: sessionID}
	}
	if sess.Status == domain.SessionCancelled {
		return nil, &domain.TerminalStateConflictError{SessionID: sessionID, Status: sess.Status, Op: "retry"}
	}
	if strategy == "" {
		strategy = "enhanced"
	}
	if !trigger.Valid() {
		return nil, &domain.ValidationError{Field: "trigger", Reason: "unknown trigger kind"}
	}

	lin, err := o.collectLineage(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	newID := uuid.NewString()
	rec, err := o.retries.RecordAttempt(ctx, sessionID, newID, strategy, trigger)
	if err != nil {
		return nil, err
	}
	lin.attempt = rec.AttemptIndex

	now := time.Now()
	newSess := &domain.Session{
		ID:            newID,
		OriginalInput: sess.OriginalInput,
		UserID:        sess.UserID,
		TaskType:      sess.TaskType,
		Status:        domain.SessionActive,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if err := withConflictRetry(func() error { return o.repo.CreateSession(ctx, newSess) }); err != nil {
		return nil, fmt.Errorf("create retry session: %w", err)
	}

	slog.Info("Retry accepted",
		"original_session_id", sessionID,
		"new_session_id", newID,
		"attempt", rec.AttemptIndex,
		"strategy", strategy,
		"trigger", trigger)

	// The retry runs detached from the caller's request context.
	go func() {
		if _, err := o.run(context.Background(), newSess, lin); err != nil {
			slog.Error("Retry run failed", "session_id", newID, "error", err)
		}
	}()

	return &RetryReceipt{
		OriginalSessionID: rec.OriginalSessionID,
		NewSessionID:      newID,
		Attempt:           rec.AttemptIndex,
		Strategy:          strategy,
	}, nil
}

// collectLineage gathers the build outputs and reward scores of every prior
// attempt in the chain, oldest first, so executors can grade improvement.
func (o *Orchestrator) collectLineage(ctx context.Context, sessionID string) (lineageContext, error) {
	var lin lineageContext

	root, err := o.retries.ResolveLineage(ctx, sessionID)
	if err != nil {
		return lin, err
	}
	history, err := o.retries.History(ctx, sessionID)
	if err != nil {
		return lin, err
	}

	priorIDs := make([]string, 0, len(history)+1)
	priorIDs = append(priorIDs, root)
	for _, rec := range history {
		priorIDs = append(priorIDs, rec.NewSessionID)
	}

	for _, id := range priorIDs {
		steps, err := o.repo.ListSteps(ctx, id)
		if err != nil {
			return lin, err
		}
		for _, st := range steps {
			if st.Phase == domain.PhaseBuild && st.Status == domain.StepCompleted {
				lin.priorOutputs = append(lin.priorOutputs, st.Output)
				break
			}
		}
		if reward, err := o.repo.GetReward(ctx, id); err == nil {
			lin.priorScores = append(lin.priorScores, reward.Score)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return lin, err
		}
	}
	return lin, nil
}

func (o *Orchestrator) publish(sessionID string, event Event) {
	if o.events != nil {
		o.events.Publish(sessionID, event)
	}
}

func scoreValue(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}

// withConflictRetry retries an operation on SQLite lock contention with
// exponential backoff: 50ms, 100ms, 200ms.
func withConflictRetry(op func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("Database locked, retrying", "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return err
}
