package phaseexec

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashureev/taskflow/internal/domain"
)

const (
	// retryThreshold is the baseline acceptable score; each attempt already
	// made lowers the bar by retryThresholdDecay.
	retryThreshold      = 0.7
	retryThresholdDecay = 0.1
	maxRewardAttempts   = 3
)

// Metrics are the individual quality dimensions, each in [0, 1].
type Metrics struct {
	Relevance    float64 `json:"relevance"`
	Completeness float64 `json:"completeness"`
	Clarity      float64 `json:"clarity"`
	Coherence    float64 `json:"coherence"`
	Utility      float64 `json:"utility"`
	Improvement  float64 `json:"improvement"`
}

// Weights hold the per-metric contribution to the overall score. They are
// normalized so the overall score stays in [0, 1].
type Weights struct {
	Relevance    float64 `json:"relevance"`
	Completeness float64 `json:"completeness"`
	Clarity      float64 `json:"clarity"`
	Coherence    float64 `json:"coherence"`
	Utility      float64 `json:"utility"`
	Improvement  float64 `json:"improvement"`
}

// RetryAnalysis is the evaluator's recommendation on whether another attempt
// is worth making. The orchestrator is free to ignore it; the retry manager
// enforces the hard cap either way.
type RetryAnalysis struct {
	ShouldRetry        bool    `json:"should_retry"`
	Confidence         float64 `json:"confidence"`
	Trend              string  `json:"trend"`
	AttemptCount       int     `json:"attempt_count"`
	AdjustedThreshold  float64 `json:"adjusted_threshold"`
	MaxAttemptsReached bool    `json:"max_attempts_reached"`
}

// Feedback summarizes the evaluation for humans.
type Feedback struct {
	Summary     string   `json:"summary"`
	Suggestions []string `json:"suggestions,omitempty"`
	WeakAreas   []string `json:"weak_areas,omitempty"`
	StrongAreas []string `json:"strong_areas,omitempty"`
}

// Evaluation is the reward phase's full output.
type Evaluation struct {
	OverallScore float64             `json:"overall_score"`
	Quality      domain.QualityLevel `json:"quality"`
	Metrics      Metrics             `json:"metrics"`
	Weights      Weights             `json:"weights"`
	Retry        RetryAnalysis       `json:"retry"`
	Feedback     Feedback            `json:"feedback"`
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "to": true, "and": true,
	"or": true, "in": true, "on": true, "at": true, "is": true, "are": true,
	"was": true, "be": true, "it": true, "this": true, "that": true,
	"for": true, "with": true, "as": true, "by": true, "not": true,
	"but": true, "from": true, "so": true, "if": true, "can": true,
	"all": true, "very": true, "about": true, "when": true, "where": true,
	"which": true, "what": true, "how": true,
}

// relevance measures keyword overlap between request and output, ignoring
// stop words.
func relevance(request, output string) float64 {
	reqWords := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(request)) {
		if !stopWords[w] {
			reqWords[w] = true
		}
	}
	if len(reqWords) == 0 {
		return 0.5 // request too generic to measure against
	}

	outWords := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(output)) {
		outWords[w] = true
	}

	common := 0
	for w := range reqWords {
		if outWords[w] {
			common++
		}
	}
	score := float64(common) / float64(len(reqWords))
	return min(score, 1.0)
}

// completeness compares output length against an expectation scaled by the
// request's word count.
func completeness(request, output string) float64 {
	expected := float64(len(strings.Fields(request))) * 10
	got := float64(len(output))
	switch {
	case got < expected*0.5:
		return 0.3
	case got < expected:
		return 0.6
	case got > expected*3:
		return 0.8 // verbose but likely complete
	default:
		return 0.9
	}
}

// clarity scores average sentence length with a bonus for visible structure.
func clarity(output string) float64 {
	sentences := strings.Split(output, ".")
	words := 0
	for _, s := range sentences {
		words += len(strings.Fields(s))
	}
	avg := float64(words) / float64(max(len(sentences), 1))

	var score float64
	switch {
	case avg < 5:
		score = 0.6 // telegraphic
	case avg > 30:
		score = 0.7 // likely convoluted
	default:
		score = 0.9
	}
	if strings.Contains(output, "\n") || strings.Contains(output, "1.") || strings.Contains(output, "-") {
		score += 0.1
	}
	return min(score, 1.0)
}

// coherence rewards balanced repetition of significant words.
func coherence(output string) float64 {
	freq := map[string]int{}
	for _, w := range strings.Fields(strings.ToLower(output)) {
		if len(w) > 3 {
			freq[w]++
		}
	}
	if len(freq) == 0 {
		return 0.5
	}

	maxFreq, total := 0, 0
	for _, n := range freq {
		total += n
		if n > maxFreq {
			maxFreq = n
		}
	}
	avg := float64(total) / float64(len(freq))
	return min(avg/float64(maxFreq)*2, 1.0)
}

// utilityIndicators map request intents to the output markers that satisfy
// them. Each satisfied intent adds 0.1 to the base utility score.
var utilityIndicators = []struct {
	intents []string
	markers []string
}{
	{[]string{"code", "function", "program"}, []string{"func ", "def ", "class ", "import", "```"}},
	{[]string{"steps", "how"}, []string{"1.", "2.", "step", "first", "second"}},
	{[]string{"explain", "why"}, []string{"because", "due to", "reason", "cause"}},
	{[]string{"example"}, []string{"example", "such as", "e.g."}},
	{[]string{"solve", "solution", "fix"}, []string{"solution", "resolve", "result", "answer"}},
}

func utility(request, output string) float64 {
	reqLower := strings.ToLower(request)
	outLower := strings.ToLower(output)

	score := 0.5
	for _, group := range utilityIndicators {
		wanted := false
		for _, intent := range group.intents {
			if strings.Contains(reqLower, intent) {
				wanted = true
				break
			}
		}
		if !wanted {
			continue
		}
		for _, marker := range group.markers {
			if strings.Contains(outLower, marker) {
				score += 0.1
				break
			}
		}
	}
	return min(score, 1.0)
}

// improvement compares output length against earlier attempts. A first
// attempt gets a neutral-high score.
func improvement(output string, priorOutputs []string) float64 {
	if len(priorOutputs) == 0 {
		return 0.8
	}
	total := 0
	for _, prev := range priorOutputs {
		total += len(prev)
	}
	avgPrev := float64(total) / float64(len(priorOutputs))
	got := float64(len(output))
	switch {
	case got > avgPrev*1.2:
		return 0.9
	case got > avgPrev:
		return 0.8
	case got > avgPrev*0.8:
		return 0.6
	default:
		return 0.4 // likely regression
	}
}

// adaptiveWeights shifts metric weights toward what the request type cares
// about, then boosts the improvement weight when earlier attempts failed.
// The result is normalized to sum to 1.
func adaptiveWeights(request string, priorFailures int) Weights {
	w := Weights{
		Relevance:    0.25,
		Completeness: 0.20,
		Clarity:      0.15,
		Coherence:    0.15,
		Utility:      0.15,
		Improvement:  0.10,
	}

	lower := strings.ToLower(request)
	switch {
	case containsAny(lower, "explain", "what is", "define"):
		w.Clarity = 0.25
		w.Completeness = 0.25
		w.Relevance = 0.20
	case containsAny(lower, "how", "steps", "implement"):
		w.Utility = 0.30
		w.Completeness = 0.25
		w.Clarity = 0.20
	case containsAny(lower, "code", "function", "program"):
		w.Utility = 0.35
		w.Coherence = 0.25
		w.Relevance = 0.20
	}

	if priorFailures > 0 {
		w.Improvement = min(0.20+float64(priorFailures)*0.05, 0.30)
	}

	sum := w.Relevance + w.Completeness + w.Clarity + w.Coherence + w.Utility + w.Improvement
	w.Relevance /= sum
	w.Completeness /= sum
	w.Clarity /= sum
	w.Coherence /= sum
	w.Utility /= sum
	w.Improvement /= sum
	return w
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Evaluate scores an output against its request across all dimensions and
// derives the retry recommendation and feedback.
func Evaluate(request, output string, priorOutputs []string, priorScores []float64) Evaluation {
	m := Metrics{
		Relevance:    relevance(request, output),
		Completeness: completeness(request, output),
		Clarity:      clarity(output),
		Coherence:    coherence(output),
		Utility:      utility(request, output),
		Improvement:  improvement(output, priorOutputs),
	}

	failures := 0
	for _, s := range priorScores {
		if s < 0.6 {
			failures++
		}
	}
	w := adaptiveWeights(request, failures)

	overall := m.Relevance*w.Relevance +
		m.Completeness*w.Completeness +
		m.Clarity*w.Clarity +
		m.Coherence*w.Coherence +
		m.Utility*w.Utility +
		m.Improvement*w.Improvement

	retry := analyzeRetry(overall, priorScores)
	fb := buildFeedback(overall, m, retry)

	return Evaluation{
		OverallScore: overall,
		Quality:      domain.QualityForScore(overall),
		Metrics:      m,
		Weights:      w,
		Retry:        retry,
		Feedback:     fb,
	}
}

func analyzeRetry(overall float64, priorScores []float64) RetryAnalysis {
	attemptCount := len(priorScores) + 1
	threshold := retryThreshold - float64(attemptCount)*retryThresholdDecay
	shouldRetry := overall < threshold && attemptCount < maxRewardAttempts

	trend := "first_attempt"
	confidence := 0.7
	if len(priorScores) > 0 {
		best := priorScores[0]
		for _, s := range priorScores[1:] {
			if s > best {
				best = s
			}
		}
		if overall > best {
			trend = "improving"
			confidence = 0.8
		} else {
			trend = "declining"
			confidence = 0.3
			// A declining chain only earns another attempt if it is not
			// outright poor.
			shouldRetry = shouldRetry && overall > 0.4
		}
	}

	return RetryAnalysis{
		ShouldRetry:        shouldRetry,
		Confidence:         confidence,
		Trend:              trend,
		AttemptCount:       attemptCount,
		AdjustedThreshold:  threshold,
		MaxAttemptsReached: attemptCount >= maxRewardAttempts,
	}
}

func buildFeedback(overall float64, m Metrics, retry RetryAnalysis) Feedback {
	type dim struct {
		name  string
		score float64
	}
	dims := []dim{
		{"relevance", m.Relevance},
		{"completeness", m.Completeness},
		{"clarity", m.Clarity},
		{"coherence", m.Coherence},
		{"utility", m.Utility},
		{"improvement", m.Improvement},
	}

	var weak, strong []string
	for _, d := range dims {
		if d.score < 0.6 {
			weak = append(weak, d.name)
		} else if d.score > 0.8 {
			strong = append(strong, d.name)
		}
	}

	var parts, suggestions []string
	switch {
	case overall > 0.8:
		parts = append(parts, "Excellent response that meets the requirements.")
	case overall > 0.6:
		parts = append(parts, "Good response with some room for improvement.")
	default:
		parts = append(parts, "The response needs significant improvement.")
	}

	for _, d := range weak {
		switch d {
		case "relevance":
			parts = append(parts, "The response does not fully address the requested topic.")
			suggestions = append(suggestions, "Focus more directly on the specific aspects of the request")
		case "completeness":
			parts = append(parts, "The response seems incomplete or superficial.")
			suggestions = append(suggestions, "Provide more detail and cover all relevant aspects")
		case "clarity":
			parts = append(parts, "The response could be clearer and easier to follow.")
			suggestions = append(suggestions, "Use clearer structure, well-defined paragraphs, and examples")
		case "utility":
			parts = append(parts, "The response lacks practical applicability.")
			suggestions = append(suggestions, "Include concrete examples, working code, or specific steps")
		}
	}

	if len(strong) > 0 {
		parts = append(parts, fmt.Sprintf("Strengths: %s.", strings.Join(strong, ", ")))
	}

	if retry.ShouldRetry {
		if retry.Trend == "declining" {
			suggestions = append(suggestions, "Consider a completely different approach")
		} else {
			suggestions = append(suggestions, "Refine the current response while keeping what works")
		}
	}

	return Feedback{
		Summary:     strings.Join(parts, " "),
		Suggestions: suggestions,
		WeakAreas:   weak,
		StrongAreas: strong,
	}
}

// RewardExecutor scores the build output and emits the evaluation as the
// terminal phase's result.
type RewardExecutor struct{}

// NewRewardExecutor creates the local reward executor.
func NewRewardExecutor() *RewardExecutor { return &RewardExecutor{} }

// Execute runs the reward evaluation phase. The build output is required.
func (e *RewardExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output, ok := req.Prior[domain.PhaseBuild]
	if !ok || output == "" {
		return nil, &domain.PhaseExecutionError{
			SessionID: req.SessionID,
			Phase:     req.Phase,
			Err:       fmt.Errorf("missing build output"),
		}
	}

	eval := Evaluate(req.Input, output, req.PriorOutputs, req.PriorScores)
	raw, err := json.Marshal(eval)
	if err != nil {
		return nil, &domain.PhaseExecutionError{
			SessionID: req.SessionID,
			Phase:     req.Phase,
			Err:       fmt.Errorf("encode evaluation: %w", err),
		}
	}

	score := eval.OverallScore
	return &Result{Output: string(raw), Score: &score}, nil
}
