package correlation

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"siem-correlator/internal/sanitize"
)

// maxRuleBodySize limits reload request bodies.
const maxRuleBodySize = 1 << 20

// RuleService is the part of the correlation core the rule API needs.
type RuleService interface {
	GetRules() []Rule
	ReloadRules(rules []Rule) error
	ReloadFromSource() error
	GetWindowDiagnostics(ruleID string) (WindowDiagnostics, error)
}

// RuleHandler provides HTTP handlers for rule inspection and reload.
type RuleHandler struct {
	service RuleService
}

// NewRuleHandler creates a new rule handler.
func NewRuleHandler(service RuleService) *RuleHandler {
	return &RuleHandler{service: service}
}

// RegisterRoutes registers rule routes on the given mux.
func (h *RuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/rules", h.HandleListRules)
	mux.HandleFunc("POST /v1/rules/reload", h.HandleReload)
	mux.HandleFunc("GET /v1/rules/{id}/window", h.HandleWindow)
}

type ruleResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Pattern       string     `json:"pattern"`
	Match         MatchMode  `json:"match"`
	Field         MatchField `json:"field"`
	Threshold     int        `json:"threshold"`
	Window        string     `json:"window"`
	WindowSeconds float64    `json:"window_seconds"`
	Severity      Severity   `json:"severity"`
	Enabled       bool       `json:"enabled"`
	Tags          []string   `json:"tags,omitempty"`
}

func newRuleResponse(r Rule) ruleResponse {
	return ruleResponse{
		ID:            r.ID,
		Name:          r.DisplayName(),
		Description:   r.Description,
		Pattern:       r.Pattern,
		Match:         r.Match,
		Field:         r.Field,
		Threshold:     r.Threshold,
		Window:        r.Window.String(),
		WindowSeconds: r.Window.Seconds(),
		Severity:      r.Severity,
		Enabled:       r.Enabled,
		Tags:          r.Tags,
	}
}

// HandleListRules handles GET /v1/rules requests.
func (h *RuleHandler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.service.GetRules()
	filterEnabled := r.URL.Query().Get("enabled")

	out := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		if filterEnabled == "true" && !rule.Enabled {
			continue
		}
		if filterEnabled == "false" && rule.Enabled {
			continue
		}
		out = append(out, newRuleResponse(rule))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": out,
		"total": len(out),
	})
}

// HandleReload handles POST /v1/rules/reload. A YAML or JSON rule list in
// the body replaces the active set; an empty body re-reads the configured
// rule source.
func (h *RuleHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRuleBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_error", "failed to read request body")
		return
	}
	if len(body) > maxRuleBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "rule document too large")
		return
	}

	if len(bytes.TrimSpace(body)) == 0 {
		err = h.service.ReloadFromSource()
	} else {
		var rules []Rule
		rules, err = ParseRules(body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "parse_error", err.Error())
			return
		}
		err = h.service.ReloadRules(rules)
	}

	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"error":    "rule set rejected",
				"code":     "invalid_rules",
				"problems": cfgErr.Problems,
			})
			return
		}
		slog.Error("rule reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload_error", sanitize.Error(err))
		return
	}

	rules := h.service.GetRules()
	slog.Info("rules reloaded via api", "count", len(rules))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "reloaded",
		"total":  len(rules),
	})
}

// HandleWindow handles GET /v1/rules/{id}/window requests.
func (h *RuleHandler) HandleWindow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	diag, err := h.service.GetWindowDiagnostics(id)
	if err != nil {
		if errors.Is(err, ErrUnknownRule) {
			writeError(w, http.StatusNotFound, "not_found", "rule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", sanitize.Error(err))
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
