package alerting

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
)

// DeliveryHandler exposes notification delivery state.
type DeliveryHandler struct {
	dispatcher *ReliableDispatcher
}

// NewDeliveryHandler returns a handler over d.
func NewDeliveryHandler(d *ReliableDispatcher) *DeliveryHandler {
	return &DeliveryHandler{dispatcher: d}
}

// RegisterRoutes registers the notification routes on mux.
func (h *DeliveryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/notifications/stats", h.handleStats)
	mux.HandleFunc("GET /v1/notifications/dead-letters", h.handleDeadLetters)
	mux.HandleFunc("POST /v1/notifications/dead-letters/{id}/retry", h.handleRetry)
	mux.HandleFunc("GET /v1/alerts/{id}/deliveries", h.handleDeliveries)
}

func (h *DeliveryHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.dispatcher.Stats())
}

func (h *DeliveryHandler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead := h.dispatcher.DeadLetterQueue()
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": dead,
		"total":        len(dead),
	})
}

func (h *DeliveryHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid dead letter id")
		return
	}

	// the retry outlives the request
	switch err := h.dispatcher.RetryDeadLetter(context.WithoutCancel(r.Context()), id); {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": string(DeliveryPending)})
	case errors.Is(err, ErrDeadLetterNotFound):
		writeError(w, http.StatusNotFound, "not_found", "dead letter not found")
	case errors.Is(err, ErrDispatcherStopped):
		writeError(w, http.StatusServiceUnavailable, "stopped", "dispatcher is shutting down")
	default:
		writeError(w, http.StatusConflict, "retry_failed", err.Error())
	}
}

func (h *DeliveryHandler) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid alert id")
		return
	}
	records := h.dispatcher.Deliveries(id)
	if records == nil {
		records = []DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": records})
}
