package phaseexec

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/ashureev/taskflow/internal/domain"
)

const procedureRequest = "explain how to implement retries for a queue consumer"

const structuredOutput = `To implement retries for a queue consumer, follow these steps.

1. First, wrap the consumer handler so every failure is observed in one place.
2. Second, track an attempt counter per message and stop after a fixed budget.
3. Apply exponential backoff between attempts because immediate retries amplify load.

For example, a budget of two retries with jittered backoff keeps the queue
stable while still recovering from transient errors. The solution is to treat
the retries as part of the consumer contract, and the result is a consumer
that degrades predictably.`

func TestEvaluate_StructuredOutputScoresWell(t *testing.T) {
	eval := Evaluate(procedureRequest, structuredOutput, nil, nil)

	if eval.OverallScore <= 0.6 || eval.OverallScore > 1.0 {
		t.Errorf("overall score = %.3f, want in (0.6, 1.0]", eval.OverallScore)
	}
	if eval.Quality != domain.QualityForScore(eval.OverallScore) {
		t.Errorf("quality %s does not match score %.3f", eval.Quality, eval.OverallScore)
	}
	if eval.Feedback.Summary == "" {
		t.Error("feedback summary is empty")
	}
	if eval.Retry.Trend != "first_attempt" {
		t.Errorf("trend = %s, want first_attempt", eval.Retry.Trend)
	}
}

func TestEvaluate_WeightsNormalized(t *testing.T) {
	for _, request := range []string{
		"define caching",
		"explain what is a bloom filter",
		"how to implement sharding in steps",
		"write code for a ring buffer function",
	} {
		w := adaptiveWeights(request, 2)
		sum := w.Relevance + w.Completeness + w.Clarity + w.Coherence + w.Utility + w.Improvement
		if math.Abs(sum-1.0) > 1e-9 {
			t.Errorf("weights for %q sum to %.6f, want 1", request, sum)
		}
	}
}

func TestEvaluate_PoorOutputRecommendsRetry(t *testing.T) {
	eval := Evaluate(procedureRequest, "no.", nil, nil)

	if eval.OverallScore >= eval.Retry.AdjustedThreshold {
		t.Fatalf("score %.3f not below threshold %.3f", eval.OverallScore, eval.Retry.AdjustedThreshold)
	}
	if !eval.Retry.ShouldRetry {
		t.Error("poor first attempt should recommend retry")
	}
	if eval.Retry.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", eval.Retry.AttemptCount)
	}
}

func TestAnalyzeRetry_CapAndTrend(t *testing.T) {
	// Third attempt never recommends another retry regardless of score.
	capped := analyzeRetry(0.2, []float64{0.3, 0.35})
	if capped.ShouldRetry {
		t.Error("attempt at cap still recommends retry")
	}
	if !capped.MaxAttemptsReached {
		t.Error("max attempts not reported as reached")
	}

	// A declining chain with an outright poor score stops retrying early.
	declining := analyzeRetry(0.3, []float64{0.9})
	if declining.Trend != "declining" {
		t.Errorf("trend = %s, want declining", declining.Trend)
	}
	if declining.ShouldRetry {
		t.Error("declining poor attempt should not retry")
	}

	improving := analyzeRetry(0.45, []float64{0.3})
	if improving.Trend != "improving" {
		t.Errorf("trend = %s, want improving", improving.Trend)
	}
	if !improving.ShouldRetry {
		t.Error("improving below-threshold attempt should retry")
	}
	if improving.Confidence != 0.8 {
		t.Errorf("confidence = %.2f, want 0.8", improving.Confidence)
	}
}

func TestImprovement(t *testing.T) {
	tests := []struct {
		name   string
		output string
		prior  []string
		want   float64
	}{
		{"first attempt", "anything", nil, 0.8},
		{"clearly longer", "aaaaaaaaaaaaaaaaaaaa", []string{"aaaaaaaaaa"}, 0.9},
		{"about the same", "aaaaaaaaa", []string{"aaaaaaaaaa"}, 0.6},
		{"regression", "aa", []string{"aaaaaaaaaa"}, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := improvement(tt.output, tt.prior); got != tt.want {
				t.Errorf("improvement = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestRewardExecutor_ScoresBuildOutput(t *testing.T) {
	exec := NewRewardExecutor()
	res, err := exec.Execute(context.Background(), Request{
		SessionID: "s1",
		Phase:     domain.PhaseReward,
		Input:     procedureRequest,
		Prior:     map[domain.Phase]string{domain.PhaseBuild: structuredOutput},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Score == nil {
		t.Fatal("reward phase did not produce a score")
	}

	var eval Evaluation
	if err := json.Unmarshal([]byte(res.Output), &eval); err != nil {
		t.Fatalf("evaluation output is not valid JSON: %v", err)
	}
	if eval.OverallScore != *res.Score {
		t.Errorf("output score %.3f != result score %.3f", eval.OverallScore, *res.Score)
	}
}

func TestRewardExecutor_RequiresBuildOutput(t *testing.T) {
	exec := NewRewardExecutor()
	_, err := exec.Execute(context.Background(), Request{
		SessionID: "s1",
		Phase:     domain.PhaseReward,
		Input:     procedureRequest,
	})

	var phaseErr *domain.PhaseExecutionError
	if !errors.As(err, &phaseErr) {
		t.Fatalf("Execute without build output = %v, want PhaseExecutionError", err)
	}
}
