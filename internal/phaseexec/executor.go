// Package phaseexec runs the individual phases of a task session. Executors
// are pluggable per phase: local heuristic implementations ship by default,
// with gRPC and container-sandboxed variants for external workloads.
package phaseexec

import (
	"context"

	"github.com/ashureev/taskflow/internal/domain"
)

// Request carries everything an executor needs to run one phase.
type Request struct {
	SessionID string
	Phase     domain.Phase
	// Input is the session's original task description.
	Input string
	// Prior holds the outputs of phases already completed in this session,
	// keyed by phase. The build phase reads the reasoning plan from here.
	Prior map[domain.Phase]string
	// Attempt counts prior retry attempts for the lineage (0 on first run).
	Attempt int
	// PriorOutputs and PriorScores describe earlier attempts in the retry
	// lineage, oldest first. Empty on a first run.
	PriorOutputs []string
	PriorScores  []float64
}

// Result is the outcome of a successfully executed phase.
type Result struct {
	Output string
	// Score is set only by evaluation phases.
	Score *float64
}

// Executor runs a single phase of a session.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Registry maps each phase to the executor responsible for it.
type Registry map[domain.Phase]Executor

// NewLocalRegistry wires the built-in heuristic executors for the default
// phase sequence.
func NewLocalRegistry() Registry {
	return Registry{
		domain.PhaseReasoning: NewReasoningExecutor(),
		domain.PhaseBuild:     NewBuildExecutor(),
		domain.PhaseReward:    NewRewardExecutor(),
	}
}
