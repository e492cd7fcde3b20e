package api

import (
	"net/http"

	"github.com/ashureev/taskflow/internal/store"
	"github.com/go-chi/chi/v5"
)

// HealthHandler reports service and database health.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// RegisterHealth mounts the health endpoint.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.health)
}

func (h *HealthHandler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": "unreachable",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}
