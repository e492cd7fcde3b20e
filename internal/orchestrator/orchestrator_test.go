package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/phaseexec"
	"github.com/ashureev/taskflow/internal/retry"
	"github.com/ashureev/taskflow/internal/store"
	"github.com/google/uuid"
)

type stubExecutor struct {
	fn func(ctx context.Context, req phaseexec.Request) (*phaseexec.Result, error)
}

func (s *stubExecutor) Execute(ctx context.Context, req phaseexec.Request) (*phaseexec.Result, error) {
	return s.fn(ctx, req)
}

func newTestOrchestrator(t *testing.T, executors phaseexec.Registry) (*Orchestrator, store.Repository, *retry.Manager) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "orchestrator.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	retries := retry.NewManager(repo, 2, retry.LineageRoot)
	return New(repo, executors, retries, nil), repo, retries
}

func createActiveSession(t *testing.T, repo store.Repository, input string) *domain.Session {
	t.Helper()
	now := time.Now()
	sess := &domain.Session{
		ID:            uuid.NewString(),
		OriginalInput: input,
		TaskType:      "general",
		Status:        domain.SessionActive,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func waitForTerminal(t *testing.T, repo store.Repository, id string) *domain.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := repo.GetSession(context.Background(), id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached a terminal status", id)
	return nil
}

func TestSubmit_RunsAllPhases(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t, phaseexec.NewLocalRegistry())
	ctx := context.Background()

	res, err := o.Submit(ctx, SubmitInput{
		Input: "explain how to implement a rate limiter with steps and an example",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", res.Status, res.Error)
	}
	if res.Output == "" {
		t.Error("completed task has empty output")
	}
	if res.Score == nil {
		t.Fatal("completed task has no score")
	}
	if res.Quality != domain.QualityForScore(*res.Score) {
		t.Errorf("quality %s does not match score %.3f", res.Quality, *res.Score)
	}

	sess, err := repo.GetSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != domain.SessionCompleted {
		t.Errorf("stored status = %s, want completed", sess.Status)
	}

	steps, err := repo.ListSteps(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	wantPhases := domain.DefaultPhaseSequence()
	if len(steps) != len(wantPhases) {
		t.Fatalf("got %d steps, want %d", len(steps), len(wantPhases))
	}
	for i, st := range steps {
		if st.Phase != wantPhases[i] {
			t.Errorf("step %d phase = %s, want %s", i, st.Phase, wantPhases[i])
		}
		if st.Status != domain.StepCompleted {
			t.Errorf("step %d status = %s, want completed", i, st.Status)
		}
	}

	reward, err := repo.GetReward(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("GetReward: %v", err)
	}
	if reward.Score != *res.Score {
		t.Errorf("stored reward score %.3f != result score %.3f", reward.Score, *res.Score)
	}
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, phaseexec.NewLocalRegistry())

	var invalid *domain.ValidationError
	if _, err := o.Submit(context.Background(), SubmitInput{Input: "   "}); !errors.As(err, &invalid) {
		t.Fatalf("Submit with blank input = %v, want ValidationError", err)
	}
}

func TestSubmit_PhaseFailureFailsSession(t *testing.T) {
	boom := errors.New("builder exploded")
	executors := phaseexec.Registry{
		domain.PhaseReasoning: phaseexec.NewReasoningExecutor(),
		domain.PhaseBuild: &stubExecutor{fn: func(ctx context.Context, req phaseexec.Request) (*phaseexec.Result, error) {
			return nil, &domain.PhaseExecutionError{SessionID: req.SessionID, Phase: req.Phase, Err: boom}
		}},
		domain.PhaseReward: phaseexec.NewRewardExecutor(),
	}
	o, repo, _ := newTestOrchestrator(t, executors)
	ctx := context.Background()

	res, err := o.Submit(ctx, SubmitInput{Input: "build something"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.Error == "" {
		t.Error("failed result carries no error message")
	}

	sess, err := repo.GetSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != domain.SessionFailed {
		t.Errorf("stored status = %s, want failed", sess.Status)
	}

	steps, err := repo.ListSteps(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2 (reasoning + failed build)", len(steps))
	}
	if steps[1].Status != domain.StepError || steps[1].Error == "" {
		t.Errorf("build step = %s %q, want error with message", steps[1].Status, steps[1].Error)
	}
}

func TestGetStatus_ReportsProgressAndRetryBudget(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t, phaseexec.NewLocalRegistry())
	ctx := context.Background()

	res, err := o.Submit(ctx, SubmitInput{Input: "explain how connection pooling works"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	report, err := o.GetStatus(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if report.Status != domain.StatusCompleted {
		t.Errorf("derived status = %s, want completed", report.Status)
	}
	if report.Progress.TotalSteps != 3 || report.Progress.CompletedSteps != 3 {
		t.Errorf("progress = %+v, want 3/3", report.Progress)
	}
	if report.Progress.CompletionPercentage != 100 {
		t.Errorf("completion = %.1f, want 100", report.Progress.CompletionPercentage)
	}
	if report.Score == nil || report.Feedback == "" {
		t.Error("report missing reward score or feedback")
	}
	if report.Retry.Attempts != 0 || report.Retry.Max != 2 || !report.Retry.CanRetry {
		t.Errorf("retry info = %+v, want 0/2 retryable", report.Retry)
	}

	if _, err := o.GetStatus(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetStatus for unknown session = %v, want ErrNotFound", err)
	}

	// An unfinished session reports its in-flight phase.
	stale := createActiveSession(t, repo, "pending work")
	step := &domain.Step{
		ID: uuid.NewString(), SessionID: stale.ID, Position: 0,
		Phase: domain.PhaseReasoning, Status: domain.StepPending, CreatedAt: time.Now(),
	}
	if err := repo.AppendStep(ctx, step); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	if err := repo.StartStep(ctx, step.ID, time.Now()); err != nil {
		t.Fatalf("StartStep: %v", err)
	}

	running, err := o.GetStatus(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if running.Status != domain.StatusRunning {
		t.Errorf("derived status = %s, want running", running.Status)
	}
	if running.CurrentPhase != domain.PhaseReasoning {
		t.Errorf("current phase = %s, want reasoning", running.CurrentPhase)
	}
	if running.Retry.CanRetry {
		t.Error("active session must not be retryable")
	}
}

func TestCancel(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t, phaseexec.NewLocalRegistry())
	ctx := context.Background()

	sess := createActiveSession(t, repo, "long running work")
	if err := o.Cancel(ctx, sess.ID, "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.SessionCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.CancelReason != "operator request" || got.CancelledAt == nil {
		t.Errorf("cancel metadata not stamped: %+v", got)
	}

	var terminal *domain.TerminalStateConflictError
	if err := o.Cancel(ctx, sess.ID, "again"); !errors.As(err, &terminal) {
		t.Fatalf("second Cancel = %v, want TerminalStateConflictError", err)
	}
	if err := o.Cancel(ctx, uuid.NewString(), ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Cancel unknown = %v, want ErrNotFound", err)
	}
}

func TestRetry_SpawnsFreshSession(t *testing.T) {
	o, repo, _ := newTestOrchestrator(t, phaseexec.NewLocalRegistry())
	ctx := context.Background()

	// Force a failure so the session is eligible for retry, then restore the
	// working executors for the retried run.
	failing := &stubExecutor{fn: func(ctx context.Context, req phaseexec.Request) (*phaseexec.Result, error) {
		return nil, fmt.Errorf("transient build failure")
	}}
	o.executors = phaseexec.Registry{
		domain.PhaseReasoning: phaseexec.NewReasoningExecutor(),
		domain.PhaseBuild:     failing,
		domain.PhaseReward:    phaseexec.NewRewardExecutor(),
	}

	res, err := o.Submit(ctx, SubmitInput{Input: "explain how to shard a database with steps"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != domain.StatusFailed {
		t.Fatalf("setup run status = %s, want failed", res.Status)
	}

	o.executors = phaseexec.NewLocalRegistry()

	receipt, err := o.Retry(ctx, res.SessionID, "", domain.TriggerManual)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if receipt.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", receipt.Attempt)
	}
	if receipt.NewSessionID == res.SessionID {
		t.Error("retry reused the original session id")
	}
	if receipt.Strategy != "enhanced" {
		t.Errorf("strategy = %s, want enhanced default", receipt.Strategy)
	}

	retried := waitForTerminal(t, repo, receipt.NewSessionID)
	if retried.Status != domain.SessionCompleted {
		t.Errorf("retried session status = %s, want completed", retried.Status)
	}
	if retried.OriginalInput != "explain how to shard a database with steps" {
		t.Errorf("retried session lost the original input: %q", retried.OriginalInput)
	}

	// The original session is untouched by the retry.
	original, err := repo.GetSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if original.Status != domain.SessionFailed {
		t.Errorf("original status = %s, want failed", original.Status)
	}
}

func TestRetry_Conflicts(t *testing.T) {
	o, repo, retries := newTestOrchestrator(t, phaseexec.NewLocalRegistry())
	ctx := context.Background()

	active := createActiveSession(t, repo, "still working")
	var activeConflict *domain.ActiveSessionConflictError
	if _, err := o.Retry(ctx, active.ID, "", domain.TriggerManual); !errors.As(err, &activeConflict) {
		t.Fatalf("Retry of active session = %v, want ActiveSessionConflictError", err)
	}

	cancelled := createActiveSession(t, repo, "to cancel")
	if err := o.Cancel(ctx, cancelled.ID, ""); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	var terminal *domain.TerminalStateConflictError
	if _, err := o.Retry(ctx, cancelled.ID, "", domain.TriggerManual); !errors.As(err, &terminal) {
		t.Fatalf("Retry of cancelled session = %v, want TerminalStateConflictError", err)
	}

	if _, err := o.Retry(ctx, uuid.NewString(), "", domain.TriggerManual); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Retry of unknown session = %v, want ErrNotFound", err)
	}

	// Exhaust the lineage budget, then the next retry is refused.
	failed := createActiveSession(t, repo, "exhausted")
	if err := repo.FailSession(ctx, failed.ID); err != nil {
		t.Fatalf("FailSession: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := retries.RecordAttempt(ctx, failed.ID, uuid.NewString(), "enhanced", domain.TriggerAutomatic); err != nil {
			t.Fatalf("RecordAttempt(%d): %v", i+1, err)
		}
	}
	var limit *domain.RetryLimitExceededError
	if _, err := o.Retry(ctx, failed.ID, "", domain.TriggerManual); !errors.As(err, &limit) {
		t.Fatalf("Retry past cap = %v, want RetryLimitExceededError", err)
	}
}

func TestSweeper_FailsStaleSessionsOnly(t *testing.T) {
	_, repo, _ := newTestOrchestrator(t, phaseexec.NewLocalRegistry())
	ctx := context.Background()

	stale := &domain.Session{
		ID:            uuid.NewString(),
		OriginalInput: "abandoned work",
		TaskType:      "general",
		Status:        domain.SessionActive,
		CreatedAt:     time.Now().Add(-2 * time.Hour),
		LastActivity:  time.Now().Add(-2 * time.Hour),
	}
	if err := repo.CreateSession(ctx, stale); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	fresh := createActiveSession(t, repo, "recent work")

	sweeper := NewSweeper(repo, time.Hour, time.Minute, nil)
	sweeper.sweep(ctx)

	got, err := repo.GetSession(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.SessionFailed {
		t.Errorf("stale session status = %s, want failed", got.Status)
	}

	kept, err := repo.GetSession(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if kept.Status != domain.SessionActive {
		t.Errorf("fresh session status = %s, want active", kept.Status)
	}
}
