package domain

import (
	"time"
)

// QualityLevel buckets a reward score into a coarse grade.
type QualityLevel string

const (
	QualityExcellent  QualityLevel = "excellent"
	QualityGood       QualityLevel = "good"
	QualityAcceptable QualityLevel = "acceptable"
	QualityPoor       QualityLevel = "poor"
)

// QualityForScore maps a 0.0-1.0 score onto its quality bucket.
func QualityForScore(score float64) QualityLevel {
	switch {
	case score >= 0.8:
		return QualityExcellent
	case score >= 0.6:
		return QualityGood
	case score >= 0.4:
		return QualityAcceptable
	default:
		return QualityPoor
	}
}

// Reward is the outcome of the terminal evaluation phase. At most one
// authoritative reward exists per session; retries create a new session
// rather than a second reward.
type Reward struct {
	SessionID string
	Score     float64
	Quality   QualityLevel
	Feedback  string
	Duration  time.Duration
	CreatedAt time.Time
}
