package engine

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// DashboardHandler serves the dashboard overview.
type DashboardHandler struct {
	engine *Engine
}

// NewDashboardHandler creates a dashboard handler.
func NewDashboardHandler(engine *Engine) *DashboardHandler {
	return &DashboardHandler{engine: engine}
}

// RegisterRoutes registers dashboard routes on the given mux.
func (h *DashboardHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dashboard/overview", h.HandleOverview)
}

// HandleOverview handles GET /v1/dashboard/overview requests.
func (h *DashboardHandler) HandleOverview(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.engine.Overview()); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
