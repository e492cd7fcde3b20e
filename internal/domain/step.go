package domain

import (
	"time"
)

// Phase is a named stage in the fixed execution sequence.
type Phase string

const (
	// PhaseReasoning analyzes the request and produces an execution plan.
	PhaseReasoning Phase = "reasoning"
	// PhaseBuild produces the task output from the reasoning plan.
	PhaseBuild Phase = "build"
	// PhaseReward evaluates the build output and yields the session score.
	PhaseReward Phase = "reward_evaluation"
)

// DefaultPhaseSequence returns the ordered phases a submission runs through.
// The reward phase must come last; its score becomes the session reward.
func DefaultPhaseSequence() []Phase {
	return []Phase{PhaseReasoning, PhaseBuild, PhaseReward}
}

// StepStatus tracks a single phase execution record.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// CanAdvanceTo reports whether the transition s -> next moves forward.
// Steps never move backward: pending -> running -> {completed|error}.
func (s StepStatus) CanAdvanceTo(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepRunning
	case StepRunning:
		return next == StepCompleted || next == StepError
	default:
		return false
	}
}

// Step is one phase's execution record within a session. A session owns an
// ordered sequence of steps; Position preserves insertion order.
type Step struct {
	ID        string
	SessionID string
	Position  int
	Phase     Phase
	Status    StepStatus
	Output    string
	Error     string
	StartedAt *time.Time
	EndedAt   *time.Time
	CreatedAt time.Time
}
