// Package query serves read-only history and aggregate views of sessions.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Params narrow a history listing. Zero values match everything. An
// unknown status value yields an empty page rather than an error.
type Params struct {
	UserID   string
	TaskType string
	Status   string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// Summary is one session row in a history listing.
type Summary struct {
	ID           string               `json:"id"`
	TaskType     string               `json:"task_type"`
	Status       domain.SessionStatus `json:"status"`
	Input        string               `json:"input"`
	Score        *float64             `json:"score,omitempty"`
	Quality      domain.QualityLevel  `json:"quality,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
}

// Page is one slice of a history listing plus the full match count.
type Page struct {
	Sessions []*Summary `json:"sessions"`
	Total    int        `json:"total"`
	Limit    int        `json:"limit"`
	Offset   int        `json:"offset"`
}

// Stats aggregates matching sessions per explicit status.
type Stats struct {
	Total    int                          `json:"total"`
	ByStatus map[domain.SessionStatus]int `json:"by_status"`
}

// Service answers history and stats queries.
type Service struct {
	repo store.Repository
}

// NewService creates a query service.
func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// normalize clamps pagination and reports whether the params can match
// anything at all.
func normalize(p *Params) bool {
	if p.Limit <= 0 {
		p.Limit = defaultPageSize
	}
	if p.Limit > maxPageSize {
		p.Limit = maxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Status != "" && !domain.SessionStatus(p.Status).Valid() {
		return false
	}
	return true
}

func toFilter(p Params) store.SessionFilter {
	return store.SessionFilter{
		UserID:   p.UserID,
		TaskType: p.TaskType,
		Status:   domain.SessionStatus(p.Status),
		DateFrom: p.From,
		DateTo:   p.To,
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
}

// History lists matching sessions newest first, each annotated with its
// reward when one exists.
func (s *Service) History(ctx context.Context, p Params) (*Page, error) {
	if !normalize(&p) {
		return &Page{Sessions: []*Summary{}, Limit: p.Limit, Offset: p.Offset}, nil
	}

	sessions, total, err := s.repo.ListSessions(ctx, toFilter(p))
	if err != nil {
		return nil, err
	}

	page := &Page{
		Sessions: make([]*Summary, 0, len(sessions)),
		Total:    total,
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	for _, sess := range sessions {
		sum := &Summary{
			ID:           sess.ID,
			TaskType:     sess.TaskType,
			Status:       sess.Status,
			Input:        sess.OriginalInput,
			CreatedAt:    sess.CreatedAt,
			LastActivity: sess.LastActivity,
		}
		reward, err := s.repo.GetReward(ctx, sess.ID)
		if err == nil {
			sum.Score = &reward.Score
			sum.Quality = reward.Quality
		} else if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		page.Sessions = append(page.Sessions, sum)
	}
	return page, nil
}

// Stats aggregates matching sessions per explicit status.
func (s *Service) Stats(ctx context.Context, p Params) (*Stats, error) {
	if !normalize(&p) {
		return &Stats{ByStatus: map[domain.SessionStatus]int{}}, nil
	}

	counts, err := s.repo.CountSessionsByStatus(ctx, toFilter(p))
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: counts}
	for _, n := range counts {
		stats.Total += n
	}
	return stats, nil
}
