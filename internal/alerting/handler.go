package alerting

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"siem-correlator/internal/correlation"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxPatchBytes   = 64 << 10
)

// Service is the alert API's view of the alert sink.
type Service interface {
	ListAlerts(filter AlertFilter, page Page) AlertPage
	GetAlert(id uuid.UUID) (*Alert, error)
	UpdateAlert(id uuid.UUID, patch Patch) (*Alert, error)
	SetPinned(id uuid.UUID, pinned bool) (*Alert, error)
	Stats() Stats
}

// Handler serves the /v1/alerts API.
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/alerts", h.list)
	mux.HandleFunc("GET /v1/alerts/stats", h.stats)
	mux.HandleFunc("GET /v1/alerts/{id}", h.withAlertID(h.get))
	mux.HandleFunc("PUT /v1/alerts/{id}", h.withAlertID(h.update))
	mux.HandleFunc("PATCH /v1/alerts/{id}", h.withAlertID(h.update))
	mux.HandleFunc("POST /v1/alerts/{id}/pin", h.withAlertID(h.pin(true)))
	mux.HandleFunc("DELETE /v1/alerts/{id}/pin", h.withAlertID(h.pin(false)))
}

// alertList is the GET /v1/alerts body. Page is 1-based.
type alertList struct {
	Alerts         []*Alert `json:"alerts"`
	Total          int      `json:"total"`
	Page           int      `json:"page"`
	Limit          int      `json:"limit"`
	ActiveAlerts   int      `json:"active_alerts"`
	CriticalAlerts int      `json:"critical_alerts"`
}

// parseFilter reads the status, severity, rule_id, since, until and pinned
// query parameters. The returned error names the offending parameter.
func parseFilter(q url.Values) (AlertFilter, error) {
	var f AlertFilter
	if v := q.Get("status"); v != "" {
		s := AlertStatus(v)
		if !s.IsValid() {
			return f, fmt.Errorf("unknown status filter %q", v)
		}
		f.Status = &s
	}
	if v := q.Get("severity"); v != "" {
		s := correlation.Severity(v)
		if !s.IsValid() {
			return f, fmt.Errorf("unknown severity filter %q", v)
		}
		f.Severity = &s
	}
	f.RuleID = q.Get("rule_id")

	for _, tp := range []struct {
		key string
		dst **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := q.Get(tp.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%s must be RFC 3339: %q", tp.key, v)
		}
		*tp.dst = &t
	}

	if v := q.Get("pinned"); v != "" {
		p, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("pinned must be a boolean: %q", v)
		}
		f.Pinned = &p
	}
	return f, nil
}

// pagination reads limit and page, falling back to defaults for missing or
// non-positive values. limit is capped at maxPageSize.
func pagination(q url.Values) (limit, page int) {
	limit, page = defaultPageSize, 1
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxPageSize)
	}
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		page = n
	}
	return limit, page
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	limit, page := pagination(q)

	result := h.service.ListAlerts(filter, Page{Offset: (page - 1) * limit, Limit: limit})
	stats := h.service.Stats()
	writeJSON(w, http.StatusOK, alertList{
		Alerts:         result.Alerts,
		Total:          result.Total,
		Page:           page,
		Limit:          limit,
		ActiveAlerts:   stats.Active,
		CriticalAlerts: stats.Critical,
	})
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Stats())
}

type alertHandler func(w http.ResponseWriter, r *http.Request, id uuid.UUID)

// withAlertID parses the {id} path value, answering 400 when it is not a UUID.
func (h *Handler) withAlertID(next alertHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id", "invalid alert ID format")
			return
		}
		next(w, r, id)
	}
}

func (h *Handler) get(w http.ResponseWriter, _ *http.Request, id uuid.UUID) {
	h.reply(w)(h.service.GetAlert(id))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	var patch Patch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "parse_error", "invalid update body: "+err.Error())
		return
	}

	alert, err := h.service.UpdateAlert(id, patch)
	if err == nil {
		slog.Info("alert updated", "alert_id", alert.ID, "status", alert.Status, "assigned_to", alert.AssignedTo)
	}
	h.reply(w)(alert, err)
}

func (h *Handler) pin(pinned bool) alertHandler {
	return func(w http.ResponseWriter, _ *http.Request, id uuid.UUID) {
		h.reply(w)(h.service.SetPinned(id, pinned))
	}
}

// reply writes the alert, or maps a service error to its status code.
func (h *Handler) reply(w http.ResponseWriter) func(*Alert, error) {
	return func(alert *Alert, err error) {
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, alert)
		case IsNotFound(err):
			writeError(w, http.StatusNotFound, "not_found", "alert not found")
		case errors.Is(err, ErrInvalidStatus):
			writeError(w, http.StatusBadRequest, "invalid_status", err.Error())
		default:
			slog.Error("alert operation failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "alert operation failed")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
