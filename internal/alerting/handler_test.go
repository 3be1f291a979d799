package alerting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"siem-correlator/internal/correlation"
)

func setupHandler(t *testing.T) (*Manager, *http.ServeMux) {
	t.Helper()
	m, _ := newTestManager(100)
	mux := http.NewServeMux()
	NewHandler(m).RegisterRoutes(mux)
	return m, mux
}

func do(mux *http.ServeMux, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestHandleListAlerts(t *testing.T) {
	m, mux := setupHandler(t)
	for i := 0; i < 3; i++ {
		m.CreateAlert(fired("a", correlation.SeverityCritical, "x"))
	}
	m.CreateAlert(fired("b", correlation.SeverityLow, "y"))

	rr := do(mux, http.MethodGet, "/v1/alerts?limit=2&page=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp struct {
		Alerts         []Alert `json:"alerts"`
		Total          int     `json:"total"`
		ActiveAlerts   int     `json:"active_alerts"`
		CriticalAlerts int     `json:"critical_alerts"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Alerts) != 2 {
		t.Errorf("alerts = %d, want 2", len(resp.Alerts))
	}
	if resp.Total != 4 || resp.ActiveAlerts != 4 || resp.CriticalAlerts != 3 {
		t.Errorf("counts = total %d active %d critical %d, want 4 4 3",
			resp.Total, resp.ActiveAlerts, resp.CriticalAlerts)
	}

	rr = do(mux, http.MethodGet, "/v1/alerts?severity=low", "")
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Total != 1 {
		t.Errorf("filtered total = %d, want 1", resp.Total)
	}
}

func TestHandleListAlertsInvalidFilter(t *testing.T) {
	_, mux := setupHandler(t)

	for _, path := range []string{
		"/v1/alerts?status=open",
		"/v1/alerts?severity=extreme",
		"/v1/alerts?since=yesterday",
		"/v1/alerts?until=2026-13-01T00:00:00Z",
		"/v1/alerts?pinned=maybe",
	} {
		if rr := do(mux, http.MethodGet, path, ""); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", path, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestPagination(t *testing.T) {
	tests := []struct {
		query     string
		wantLimit int
		wantPage  int
	}{
		{"", defaultPageSize, 1},
		{"limit=10&page=3", 10, 3},
		{"limit=0&page=-1", defaultPageSize, 1},
		{"limit=100000", maxPageSize, 1},
		{"limit=ten", defaultPageSize, 1},
	}
	for _, tt := range tests {
		q, _ := url.ParseQuery(tt.query)
		if limit, page := pagination(q); limit != tt.wantLimit || page != tt.wantPage {
			t.Errorf("pagination(%q) = %d, %d, want %d, %d", tt.query, limit, page, tt.wantLimit, tt.wantPage)
		}
	}
}

func TestParseFilter(t *testing.T) {
	q, _ := url.ParseQuery("status=resolved&severity=high&rule_id=r1&since=2026-01-01T00:00:00Z&pinned=true")
	f, err := parseFilter(q)
	if err != nil {
		t.Fatalf("parseFilter() error = %v", err)
	}
	if *f.Status != StatusResolved || *f.Severity != correlation.SeverityHigh || f.RuleID != "r1" {
		t.Errorf("filter = %+v", f)
	}
	if f.Since == nil || f.Since.Year() != 2026 || f.Until != nil {
		t.Errorf("Since, Until = %v, %v", f.Since, f.Until)
	}
	if f.Pinned == nil || !*f.Pinned {
		t.Errorf("Pinned = %v, want true", f.Pinned)
	}
}

func TestHandleGetAlert(t *testing.T) {
	m, mux := setupHandler(t)
	a := m.CreateAlert(fired("a", correlation.SeverityHigh, "x"))

	tests := []struct {
		name string
		path string
		want int
	}{
		{"found", "/v1/alerts/" + a.ID.String(), http.StatusOK},
		{"missing", "/v1/alerts/" + uuid.New().String(), http.StatusNotFound},
		{"bad id", "/v1/alerts/not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := do(mux, http.MethodGet, tt.path, ""); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHandleUpdateAlert(t *testing.T) {
	m, mux := setupHandler(t)
	a := m.CreateAlert(fired("a", correlation.SeverityHigh, "x"))
	path := "/v1/alerts/" + a.ID.String()

	rr := do(mux, http.MethodPatch, path, `{"status":"acknowledged","assigned_to":"alice"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	var got Alert
	json.NewDecoder(rr.Body).Decode(&got)
	if got.Status != StatusAcknowledged || got.AssignedTo != "alice" {
		t.Errorf("alert = %+v", got)
	}

	rr = do(mux, http.MethodPut, path, `{"notes":"done"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	stored, _ := m.GetAlert(a.ID)
	if stored.Notes != "done" || stored.AssignedTo != "alice" {
		t.Errorf("stored = %+v", stored)
	}

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid status", path, `{"status":"closed"}`, http.StatusBadRequest},
		{"unknown field", path, `{"priority":1}`, http.StatusBadRequest},
		{"bad json", path, `{`, http.StatusBadRequest},
		{"missing", "/v1/alerts/" + uuid.New().String(), `{"notes":"x"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := do(mux, http.MethodPatch, tt.path, tt.body); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestHandlePin(t *testing.T) {
	m, mux := setupHandler(t)
	a := m.CreateAlert(fired("a", correlation.SeverityHigh, "x"))
	path := "/v1/alerts/" + a.ID.String() + "/pin"

	if rr := do(mux, http.MethodPost, path, ""); rr.Code != http.StatusOK {
		t.Fatalf("pin status = %d", rr.Code)
	}
	if got, _ := m.GetAlert(a.ID); !got.Pinned {
		t.Error("expected alert to be pinned")
	}

	if rr := do(mux, http.MethodDelete, path, ""); rr.Code != http.StatusOK {
		t.Fatalf("unpin status = %d", rr.Code)
	}
	if got, _ := m.GetAlert(a.ID); got.Pinned {
		t.Error("expected alert to be unpinned")
	}
}

func TestHandleStats(t *testing.T) {
	m, mux := setupHandler(t)
	m.CreateAlert(fired("a", correlation.SeverityCritical, "x"))

	rr := do(mux, http.MethodGet, "/v1/alerts/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var s Stats
	json.NewDecoder(rr.Body).Decode(&s)
	if s.Total != 1 || s.Critical != 1 {
		t.Errorf("stats = %+v", s)
	}
}
