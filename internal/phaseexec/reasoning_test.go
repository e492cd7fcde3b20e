package phaseexec

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ashureev/taskflow/internal/domain"
)

func TestAnalyzeComplexity_Levels(t *testing.T) {
	tests := []struct {
		name    string
		request string
		want    Complexity
	}{
		{
			name:    "short definitional request",
			request: "define the term cache",
			want:    ComplexitySimple,
		},
		{
			name: "procedural request",
			request: "explain how to implement a simple in-memory cache for our web service, " +
				"covering eviction policy choices and the steps needed to wire it into request handling",
			want: ComplexityModerate,
		},
		{
			name: "architectural request",
			request: "create a system architecture for the integration of our billing and invoicing " +
				"platforms, describing the data contracts, failure handling, and rollout phases the " +
				"team should follow over the next quarter",
			want: ComplexityComplex,
		},
		{
			name: "heavy operational request",
			request: "optimize the production system architecture for performance at enterprise scale, " +
				"including migration of the complete integration layer, and design a scalable process " +
				"to implement monitoring across all services",
			want: ComplexityExpert,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnalyzeComplexity(tt.request, 0)
			if got.Level != tt.want {
				t.Errorf("level = %s (score %.2f), want %s", got.Level, got.Score, tt.want)
			}
		})
	}
}

func TestAnalyzeComplexity_FailuresRaiseGrade(t *testing.T) {
	request := "explain how to implement a simple in-memory cache for our web service, " +
		"covering eviction policy choices and the steps needed to wire it into request handling"

	fresh := AnalyzeComplexity(request, 0)
	if fresh.Level != ComplexityModerate {
		t.Fatalf("fresh level = %s, want moderate", fresh.Level)
	}

	retried := AnalyzeComplexity(request, 2)
	if retried.FailureMultiplier != 1.6 {
		t.Errorf("failure multiplier = %.2f, want 1.6", retried.FailureMultiplier)
	}
	if retried.Score <= fresh.Score {
		t.Errorf("score with failures %.2f not above fresh %.2f", retried.Score, fresh.Score)
	}
	if retried.Level != ComplexityComplex {
		t.Errorf("retried level = %s, want complex", retried.Level)
	}
}

func TestBuildPlan_FailureAware(t *testing.T) {
	request := "implement a cache"
	analysis := AnalyzeComplexity(request, 1)
	plan := BuildPlan(request, analysis)

	if !plan.FailureAware {
		t.Error("plan not marked failure aware")
	}
	if !strings.HasPrefix(plan.Type, "adaptive_") {
		t.Errorf("plan type = %s, want adaptive_ prefix", plan.Type)
	}
	if len(plan.Subtasks) == 0 || plan.Subtasks[0].ID != "failure_analysis" {
		t.Errorf("first subtask = %+v, want failure_analysis", plan.Subtasks)
	}

	baseline := BuildPlan(request, AnalyzeComplexity(request, 0))
	if plan.EstimatedDuration != baseline.EstimatedDuration*3/2 {
		t.Errorf("duration = %d, want 1.5x baseline %d", plan.EstimatedDuration, baseline.EstimatedDuration)
	}
}

func TestReasoningExecutor_EmitsDecodablePlan(t *testing.T) {
	exec := NewReasoningExecutor()
	res, err := exec.Execute(context.Background(), Request{
		SessionID: "s1",
		Phase:     domain.PhaseReasoning,
		Input:     "explain how to implement retries",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Score != nil {
		t.Error("reasoning phase must not produce a score")
	}

	var plan Plan
	if err := json.Unmarshal([]byte(res.Output), &plan); err != nil {
		t.Fatalf("plan output is not valid JSON: %v", err)
	}
	if len(plan.Steps) == 0 || len(plan.Subtasks) == 0 {
		t.Errorf("plan missing steps or subtasks: %+v", plan)
	}
}

func TestBuildExecutor_RequiresPlan(t *testing.T) {
	exec := NewBuildExecutor()
	_, err := exec.Execute(context.Background(), Request{
		SessionID: "s1",
		Phase:     domain.PhaseBuild,
		Input:     "implement retries",
	})

	var phaseErr *domain.PhaseExecutionError
	if !errors.As(err, &phaseErr) {
		t.Fatalf("Execute without plan = %v, want PhaseExecutionError", err)
	}
	if phaseErr.Phase != domain.PhaseBuild {
		t.Errorf("error phase = %s, want build", phaseErr.Phase)
	}
}

func TestBuildExecutor_Deterministic(t *testing.T) {
	ctx := context.Background()
	input := "explain how to implement a retry budget for background workers in a queue consumer"

	reasoning, err := NewReasoningExecutor().Execute(ctx, Request{
		SessionID: "s1", Phase: domain.PhaseReasoning, Input: input,
	})
	if err != nil {
		t.Fatalf("reasoning: %v", err)
	}

	build := NewBuildExecutor()
	req := Request{
		SessionID: "s1",
		Phase:     domain.PhaseBuild,
		Input:     input,
		Prior:     map[domain.Phase]string{domain.PhaseReasoning: reasoning.Output},
	}

	first, err := build.Execute(ctx, req)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := build.Execute(ctx, req)
	if err != nil {
		t.Fatalf("build repeat: %v", err)
	}
	if first.Output != second.Output {
		t.Error("build output not deterministic for identical inputs")
	}
	if !strings.Contains(first.Output, input) {
		t.Error("build output does not reference the task")
	}
}
