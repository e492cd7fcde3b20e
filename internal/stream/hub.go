// Package stream fans session status events out to WebSocket subscribers.
package stream

import (
	"log/slog"
	"sync"

	"github.com/ashureev/taskflow/internal/orchestrator"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events rather than stalling publishers.
const subscriberBuffer = 16

// Hub tracks event subscribers per session. It implements
// orchestrator.Publisher; Publish never blocks.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan orchestrator.Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan orchestrator.Event]struct{})}
}

// Subscribe registers interest in one session's events. The returned cancel
// function must be called exactly once; it closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan orchestrator.Event, func()) {
	ch := make(chan orchestrator.Event, subscriberBuffer)

	h.mu.Lock()
	if _, ok := h.subs[sessionID]; !ok {
		h.subs[sessionID] = make(map[chan orchestrator.Event]struct{})
	}
	h.subs[sessionID][ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[sessionID]; ok {
			if _, exists := set[ch]; exists {
				delete(set, ch)
				close(ch)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the session, dropping it
// for subscribers whose buffer is full.
func (h *Hub) Publish(sessionID string, event orchestrator.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[sessionID] {
		select {
		case ch <- event:
		default:
			slog.Debug("Dropping event for slow subscriber", "session_id", sessionID, "status", event.Status)
		}
	}
}

// SubscriberCount reports how many subscribers a session currently has.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
