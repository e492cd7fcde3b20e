// Package api provides HTTP handlers for the Taskflow API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/taskflow/internal/domain"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError maps domain errors onto HTTP status codes: validation
// failures are 400, missing resources 404, state conflicts 409, and
// everything else an opaque 500.
func DomainError(w http.ResponseWriter, err error) {
	var invalid *domain.ValidationError
	switch {
	case errors.As(err, &invalid):
		Error(w, http.StatusBadRequest, invalid.Error())
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "not found")
	case domain.IsConflict(err):
		Error(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}
