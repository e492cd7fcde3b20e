package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/identity"
	"github.com/ashureev/taskflow/internal/orchestrator"
	"github.com/ashureev/taskflow/internal/query"
	"github.com/go-chi/chi/v5"
)

// TaskHandler serves the task lifecycle and history endpoints.
type TaskHandler struct {
	orch    *orchestrator.Orchestrator
	queries *query.Service
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(orch *orchestrator.Orchestrator, queries *query.Service) *TaskHandler {
	return &TaskHandler{orch: orch, queries: queries}
}

// RegisterRoutes mounts the task endpoints on the router.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Get("/", h.list)
		r.Get("/stats", h.stats)
		r.Get("/{sessionID}", h.status)
		r.Post("/{sessionID}/cancel", h.cancel)
		r.Post("/{sessionID}/retry", h.retry)
	})
}

type submitRequest struct {
	Input    string `json:"input"`
	TaskType string `json:"task_type,omitempty"`
}

type taskResponse struct {
	SessionID string               `json:"session_id"`
	Status    domain.DerivedStatus `json:"status"`
	Output    string               `json:"output,omitempty"`
	Score     *float64             `json:"score,omitempty"`
	Quality   domain.QualityLevel  `json:"quality,omitempty"`
	Error     string               `json:"error,omitempty"`
}

func (h *TaskHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := h.orch.Submit(r.Context(), orchestrator.SubmitInput{
		Input:    req.Input,
		UserID:   identity.UserIDFromContext(r.Context()),
		TaskType: req.TaskType,
	})
	if err != nil {
		DomainError(w, err)
		return
	}

	JSON(w, http.StatusCreated, taskResponse{
		SessionID: result.SessionID,
		Status:    result.Status,
		Output:    result.Output,
		Score:     result.Score,
		Quality:   result.Quality,
		Error:     result.Error,
	})
}

type stepView struct {
	Phase     domain.Phase      `json:"phase"`
	Status    domain.StepStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
}

type progressView struct {
	TotalSteps           int     `json:"total_steps"`
	CompletedSteps       int     `json:"completed_steps"`
	FailedSteps          int     `json:"failed_steps"`
	CompletionPercentage float64 `json:"completion_percentage"`
}

type retryView struct {
	Attempts int  `json:"attempts"`
	Max      int  `json:"max"`
	CanRetry bool `json:"can_retry"`
}

type statusResponse struct {
	SessionID    string               `json:"session_id"`
	TaskType     string               `json:"task_type"`
	Status       domain.DerivedStatus `json:"status"`
	CurrentPhase domain.Phase         `json:"current_phase,omitempty"`
	Progress     progressView         `json:"progress"`
	Score        *float64             `json:"score,omitempty"`
	Quality      domain.QualityLevel  `json:"quality,omitempty"`
	Feedback     string               `json:"feedback,omitempty"`
	Retry        retryView            `json:"retry"`
	Steps        []stepView           `json:"steps"`
	CreatedAt    time.Time            `json:"created_at"`
	LastActivity time.Time            `json:"last_activity"`
}

func (h *TaskHandler) status(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	report, err := h.orch.GetStatus(r.Context(), sessionID)
	if err != nil {
		DomainError(w, err)
		return
	}

	resp := statusResponse{
		SessionID:    report.Session.ID,
		TaskType:     report.Session.TaskType,
		Status:       report.Status,
		CurrentPhase: report.CurrentPhase,
		Progress: progressView{
			TotalSteps:           report.Progress.TotalSteps,
			CompletedSteps:       report.Progress.CompletedSteps,
			FailedSteps:          report.Progress.FailedSteps,
			CompletionPercentage: report.Progress.CompletionPercentage,
		},
		Score:    report.Score,
		Quality:  report.Quality,
		Feedback: report.Feedback,
		Retry: retryView{
			Attempts: report.Retry.Attempts,
			Max:      report.Retry.Max,
			CanRetry: report.Retry.CanRetry,
		},
		Steps:        make([]stepView, 0, len(report.Steps)),
		CreatedAt:    report.Session.CreatedAt,
		LastActivity: report.Session.LastActivity,
	}
	for _, st := range report.Steps {
		resp.Steps = append(resp.Steps, stepView{
			Phase:     st.Phase,
			Status:    st.Status,
			Error:     st.Error,
			StartedAt: st.StartedAt,
			EndedAt:   st.EndedAt,
		})
	}
	JSON(w, http.StatusOK, resp)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *TaskHandler) cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if err := h.orch.Cancel(r.Context(), sessionID, req.Reason); err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"status":     string(domain.StatusCancelled),
	})
}

type retryRequest struct {
	Strategy string `json:"strategy,omitempty"`
	Trigger  string `json:"trigger,omitempty"`
}

type retryResponse struct {
	OriginalSessionID string `json:"original_session_id"`
	NewSessionID      string `json:"new_session_id"`
	Attempt           int    `json:"attempt"`
	Strategy          string `json:"strategy"`
}

func (h *TaskHandler) retry(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req retryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	trigger := domain.RetryTrigger(req.Trigger)
	if req.Trigger == "" {
		trigger = domain.TriggerManual
	}

	receipt, err := h.orch.Retry(r.Context(), sessionID, req.Strategy, trigger)
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusAccepted, retryResponse{
		OriginalSessionID: receipt.OriginalSessionID,
		NewSessionID:      receipt.NewSessionID,
		Attempt:           receipt.Attempt,
		Strategy:          receipt.Strategy,
	})
}

// historyParams parses the shared listing filters. Bad date values are
// dropped rather than rejected; the query service treats unknown statuses
// as matching nothing.
func historyParams(r *http.Request) query.Params {
	q := r.URL.Query()
	p := query.Params{
		UserID:   q.Get("user_id"),
		TaskType: q.Get("task_type"),
		Status:   q.Get("status"),
	}
	if q.Get("mine") == "true" {
		p.UserID = identity.UserIDFromContext(r.Context())
	}
	if from, err := time.Parse(time.RFC3339, q.Get("from")); err == nil {
		p.From = &from
	}
	if to, err := time.Parse(time.RFC3339, q.Get("to")); err == nil {
		p.To = &to
	}
	if limit, err := parseInt(q.Get("limit")); err == nil {
		p.Limit = limit
	}
	if offset, err := parseInt(q.Get("offset")); err == nil {
		p.Offset = offset
	}
	return p
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.Atoi(s)
}

func (h *TaskHandler) list(w http.ResponseWriter, r *http.Request) {
	page, err := h.queries.History(r.Context(), historyParams(r))
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, page)
}

func (h *TaskHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.Stats(r.Context(), historyParams(r))
	if err != nil {
		DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, stats)
}
