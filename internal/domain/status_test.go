package domain

import (
	"testing"
)

func steps(statuses ...StepStatus) []*Step {
	out := make([]*Step, 0, len(statuses))
	for i, s := range statuses {
		out = append(out, &Step{ID: "step", SessionID: "sess", Position: i, Status: s})
	}
	return out
}

func TestResolveStatus_TerminalSessionWins(t *testing.T) {
	cases := []struct {
		status SessionStatus
		want   DerivedStatus
	}{
		{SessionCompleted, StatusCompleted},
		{SessionFailed, StatusFailed},
		{SessionCancelled, StatusCancelled},
	}

	for _, tc := range cases {
		// A running step must not override an explicit terminal status.
		got := ResolveStatus(&Session{Status: tc.status}, steps(StepRunning, StepCompleted))
		if got != tc.want {
			t.Errorf("ResolveStatus(%s) = %s, want %s", tc.status, got, tc.want)
		}
	}
}

func TestResolveStatus_StepPrecedence(t *testing.T) {
	cases := []struct {
		name  string
		steps []*Step
		want  DerivedStatus
	}{
		{"running wins over pending", steps(StepPending, StepRunning), StatusRunning},
		{"running wins over error", steps(StepError, StepRunning), StatusRunning},
		{"pending wins over error", steps(StepError, StepPending), StatusPending},
		{"pending wins over completed", steps(StepCompleted, StepPending), StatusPending},
		{"all errors fail", steps(StepError, StepError), StatusFailed},
		{"single error fails", steps(StepError), StatusFailed},
		{"all completed is in_progress until session says otherwise", steps(StepCompleted, StepCompleted), StatusInProgress},
		{"no steps is unknown", nil, StatusUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveStatus(&Session{Status: SessionActive}, tc.steps)
			if got != tc.want {
				t.Errorf("ResolveStatus() = %s, want %s", got, tc.want)
			}
		})
	}
}

// A session holding both an error and a completed step resolves to
// in_progress: progress outranks failure when no terminal status is set.
func TestResolveStatus_MixedOutcomeFavorsProgress(t *testing.T) {
	got := ResolveStatus(&Session{Status: SessionActive}, steps(StepCompleted, StepError))
	if got != StatusInProgress {
		t.Errorf("ResolveStatus(completed+error) = %s, want %s", got, StatusInProgress)
	}
}

func TestResolveStatus_Deterministic(t *testing.T) {
	sess := &Session{Status: SessionActive}
	mixed := steps(StepCompleted, StepError, StepCompleted)

	first := ResolveStatus(sess, mixed)
	for i := 0; i < 100; i++ {
		if got := ResolveStatus(sess, mixed); got != first {
			t.Fatalf("ResolveStatus not deterministic: %s then %s", first, got)
		}
	}
}

func TestStepStatus_ForwardOnly(t *testing.T) {
	cases := []struct {
		from, to StepStatus
		ok       bool
	}{
		{StepPending, StepRunning, true},
		{StepRunning, StepCompleted, true},
		{StepRunning, StepError, true},
		{StepPending, StepCompleted, false},
		{StepRunning, StepPending, false},
		{StepCompleted, StepRunning, false},
		{StepError, StepRunning, false},
		{StepCompleted, StepError, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanAdvanceTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: CanAdvanceTo = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestQualityForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  QualityLevel
	}{
		{1.0, QualityExcellent},
		{0.8, QualityExcellent},
		{0.79, QualityGood},
		{0.6, QualityGood},
		{0.59, QualityAcceptable},
		{0.4, QualityAcceptable},
		{0.39, QualityPoor},
		{0.0, QualityPoor},
	}

	for _, tc := range cases {
		if got := QualityForScore(tc.score); got != tc.want {
			t.Errorf("QualityForScore(%.2f) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	if SessionActive.Terminal() {
		t.Error("active must not be terminal")
	}
	for _, s := range []SessionStatus{SessionCompleted, SessionFailed, SessionCancelled} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}
