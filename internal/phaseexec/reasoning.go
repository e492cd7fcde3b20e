package phaseexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/taskflow/internal/domain"
)

// Complexity is the graded difficulty of a task request.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityExpert   Complexity = "expert"
)

// complexityIndicators maps keyword groups to the weight each match adds to
// the raw complexity score. Order matters for matched-keyword reporting only.
var complexityIndicators = []struct {
	level    Complexity
	weight   float64
	keywords []string
}{
	{ComplexitySimple, 1.0, []string{"what is", "define", "explain", "summarize", "list"}},
	{ComplexityModerate, 2.0, []string{"how", "steps", "process", "implement", "create", "design"}},
	{ComplexityComplex, 3.0, []string{"system", "architecture", "integration", "scalable", "complete"}},
	{ComplexityExpert, 4.0, []string{"optimize", "production", "enterprise", "migration", "performance"}},
}

// ComplexityAnalysis captures how a request was graded.
type ComplexityAnalysis struct {
	Level             Complexity `json:"level"`
	Score             float64    `json:"score"`
	BaseScore         float64    `json:"base_score"`
	LengthMultiplier  float64    `json:"length_multiplier"`
	FailureMultiplier float64    `json:"failure_multiplier"`
	MatchedKeywords   []string   `json:"matched_keywords,omitempty"`
	WordCount         int        `json:"word_count"`
	PreviousFailures  int        `json:"previous_failures"`
}

// Plan is the reasoning phase's output: a structured execution plan the
// build phase consumes.
type Plan struct {
	Type              string             `json:"type"`
	Steps             []string           `json:"steps"`
	EstimatedDuration int                `json:"estimated_duration_secs"`
	RequiresIteration bool               `json:"requires_iteration"`
	FailureAware      bool               `json:"failure_aware,omitempty"`
	Subtasks          []Subtask          `json:"subtasks"`
	Complexity        ComplexityAnalysis `json:"complexity"`
}

// Subtask is one planned unit of work.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

// AnalyzeComplexity grades a request by keyword weight, request length, and
// prior failed attempts.
func AnalyzeComplexity(request string, priorFailures int) ComplexityAnalysis {
	lower := strings.ToLower(request)

	var base float64
	var matched []string
	for _, group := range complexityIndicators {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				base += group.weight
				matched = append(matched, kw)
			}
		}
	}

	wordCount := len(strings.Fields(request))
	lengthMult := float64(wordCount) / 50
	if lengthMult > 2.0 {
		lengthMult = 2.0
	}

	failureMult := 1.0 + float64(priorFailures)*0.3

	score := base * lengthMult * failureMult

	var level Complexity
	switch {
	case score >= 8:
		level = ComplexityExpert
	case score >= 5:
		level = ComplexityComplex
	case score >= 2:
		level = ComplexityModerate
	default:
		level = ComplexitySimple
	}

	return ComplexityAnalysis{
		Level:             level,
		Score:             score,
		BaseScore:         base,
		LengthMultiplier:  lengthMult,
		FailureMultiplier: failureMult,
		MatchedKeywords:   matched,
		WordCount:         wordCount,
		PreviousFailures:  priorFailures,
	}
}

// BuildPlan expands a graded request into an execution plan. Requests that
// already failed get a prepended failure-analysis subtask and a longer
// duration estimate.
func BuildPlan(request string, analysis ComplexityAnalysis) Plan {
	var plan Plan
	switch analysis.Level {
	case ComplexitySimple:
		plan = Plan{
			Type:              "direct_execution",
			Steps:             []string{"analyze", "execute", "validate"},
			EstimatedDuration: 30,
			Subtasks: []Subtask{
				{ID: "main_task", Description: request, Priority: "high"},
			},
		}
	case ComplexityModerate:
		plan = Plan{
			Type:              "structured_execution",
			Steps:             []string{"analyze", "plan", "execute", "review", "finalize"},
			EstimatedDuration: 120,
			RequiresIteration: true,
			Subtasks: []Subtask{
				{ID: "analysis", Description: "Analyze requirements: " + request, Priority: "high"},
				{ID: "implementation", Description: "Implement solution: " + request, Priority: "high"},
				{ID: "validation", Description: "Validate result: " + request, Priority: "medium"},
			},
		}
	default: // complex or expert
		plan = Plan{
			Type:              "iterative_execution",
			Steps:             []string{"research", "design", "implement", "test", "optimize", "document"},
			EstimatedDuration: 300,
			RequiresIteration: true,
			Subtasks: []Subtask{
				{ID: "research_phase", Description: "Research and analyze: " + request, Priority: "critical"},
				{ID: "design_phase", Description: "Design architecture: " + request, Priority: "critical"},
				{ID: "implementation_phase", Description: "Implement full solution: " + request, Priority: "high"},
				{ID: "testing_phase", Description: "Test and validate: " + request, Priority: "high"},
			},
		}
	}

	if analysis.PreviousFailures > 0 {
		plan.Type = "adaptive_" + plan.Type
		plan.FailureAware = true
		plan.EstimatedDuration = plan.EstimatedDuration * 3 / 2
		plan.Subtasks = append([]Subtask{{
			ID:          "failure_analysis",
			Description: "Analyze prior failures and adjust approach for: " + request,
			Priority:    "critical",
		}}, plan.Subtasks...)
	}

	plan.Complexity = analysis
	return plan
}

// ReasoningExecutor grades the request and emits a JSON execution plan.
type ReasoningExecutor struct{}

// NewReasoningExecutor creates the local reasoning executor.
func NewReasoningExecutor() *ReasoningExecutor { return &ReasoningExecutor{} }

// Execute runs the reasoning phase.
func (e *ReasoningExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	analysis := AnalyzeComplexity(req.Input, req.Attempt)
	plan := BuildPlan(req.Input, analysis)

	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, &domain.PhaseExecutionError{
			SessionID: req.SessionID,
			Phase:     req.Phase,
			Err:       fmt.Errorf("encode plan: %w", err),
		}
	}
	return &Result{Output: string(raw)}, nil
}
