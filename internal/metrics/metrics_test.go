package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	p := NewPrometheus("siem")

	p.EventProcessed()
	p.EventProcessed()
	p.EventRejected(ReasonInvalid)
	p.RuleFired("brute_force")
	p.AlertCreated("high")
	p.AlertEvicted(3)
	p.AlertEvicted(0)
	p.NotificationDropped()
	p.RulesReloaded(true)
	p.RulesReloaded(false)

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"events processed", testutil.ToFloat64(p.eventsProcessed), 2},
		{"events rejected", testutil.ToFloat64(p.eventsRejected.WithLabelValues(ReasonInvalid)), 1},
		{"rules fired", testutil.ToFloat64(p.rulesFired.WithLabelValues("brute_force")), 1},
		{"alerts created", testutil.ToFloat64(p.alertsCreated.WithLabelValues("high")), 1},
		{"alerts evicted", testutil.ToFloat64(p.alertsEvicted), 3},
		{"notifications dropped", testutil.ToFloat64(p.notificationsDropped), 1},
		{"reload failures", testutil.ToFloat64(p.ruleReloads.WithLabelValues("failure")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("counter = %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestPrometheusHandler(t *testing.T) {
	p := NewPrometheus("siem")
	p.EventProcessed()

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "siem_events_processed_total 1") {
		t.Errorf("exposition missing counter:\n%s", rr.Body.String())
	}
}

func TestSinksAreIndependent(t *testing.T) {
	a := NewPrometheus("siem")
	b := NewPrometheus("siem")
	a.EventProcessed()

	if got := testutil.ToFloat64(b.eventsProcessed); got != 0 {
		t.Errorf("second sink counter = %v, want 0", got)
	}
}

func TestNoopSatisfiesSink(t *testing.T) {
	var s Sink = Noop{}
	s.EventProcessed()
	s.RulesReloaded(true)
}
