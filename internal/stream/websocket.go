package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/taskflow/internal/domain"
	"github.com/ashureev/taskflow/internal/orchestrator"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// WebSocketHandler streams a session's status changes to connected clients.
// On connect the client receives a snapshot of the current state, then one
// message per status event until the session reaches a terminal status or
// the client disconnects.
type WebSocketHandler struct {
	orch          *orchestrator.Orchestrator
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a status-stream handler.
func NewWebSocketHandler(orch *orchestrator.Orchestrator, hub *Hub, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{orch: orch, hub: hub, allowedOrigin: allowedOrigin, isDev: isDev}
}

// snapshotMessage is the first frame sent after connecting.
type snapshotMessage struct {
	Type     string               `json:"type"`
	Status   domain.DerivedStatus `json:"status"`
	Phase    domain.Phase         `json:"phase,omitempty"`
	Progress float64              `json:"progress"`
	Score    *float64             `json:"score,omitempty"`
}

// eventMessage wraps a live status event.
type eventMessage struct {
	Type  string             `json:"type"`
	Event orchestrator.Event `json:"event"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	report, err := h.orch.GetStatus(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	slog.Info("Status stream opened", "session_id", sessionID, "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.writeJSON(ctx, ws, snapshotMessage{
		Type:     "snapshot",
		Status:   report.Status,
		Phase:    report.CurrentPhase,
		Progress: report.Progress.CompletionPercentage,
		Score:    report.Score,
	}); err != nil {
		slog.Debug("Failed to send snapshot", "error", err, "session_id", sessionID)
		return
	}

	// Terminal sessions have nothing further to stream.
	if isTerminal(report.Status) {
		return
	}

	events, unsubscribe := h.hub.Subscribe(sessionID)
	defer unsubscribe()

	// Reader goroutine: we expect no client frames, but reading is the only
	// way to notice a close.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				if websocket.CloseStatus(err) != -1 {
					slog.Debug("Status stream closed by client", "session_id", sessionID)
				}
				return
			}
		}
	}()

	for {
		select {
		case event := <-events:
			if err := h.writeJSON(ctx, ws, eventMessage{Type: "event", Event: event}); err != nil {
				slog.Debug("Failed to send event", "error", err, "session_id", sessionID)
				return
			}
			if isTerminal(event.Status) {
				slog.Info("Status stream completed", "session_id", sessionID, "status", event.Status)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func isTerminal(status domain.DerivedStatus) bool {
	switch status {
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled:
		return true
	default:
		return false
	}
}
