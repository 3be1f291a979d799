// Package metrics provides the counters the correlation core reports to.
// Every method is fire-and-forget: implementations must not block or fail.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rejection reasons reported with EventRejected.
const (
	ReasonInvalid   = "invalid"
	ReasonQueueFull = "queue_full"
	ReasonDecode    = "decode"
)

// Sink receives core counters.
type Sink interface {
	EventProcessed()
	EventRejected(reason string)
	RuleFired(ruleID string)
	AlertCreated(severity string)
	AlertEvicted(n int)
	NotificationDropped()
	RulesReloaded(ok bool)
}

// Noop discards everything.
type Noop struct{}

func (Noop) EventProcessed()      {}
func (Noop) EventRejected(string) {}
func (Noop) RuleFired(string)     {}
func (Noop) AlertCreated(string)  {}
func (Noop) AlertEvicted(int)     {}
func (Noop) NotificationDropped() {}
func (Noop) RulesReloaded(bool)   {}

// Prometheus is a Sink backed by Prometheus collectors on its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	eventsProcessed      prometheus.Counter
	eventsRejected       *prometheus.CounterVec
	rulesFired           *prometheus.CounterVec
	alertsCreated        *prometheus.CounterVec
	alertsEvicted        prometheus.Counter
	notificationsDropped prometheus.Counter
	ruleReloads          *prometheus.CounterVec
}

// NewPrometheus creates a Prometheus sink. Collectors are registered on a
// fresh registry so several sinks can coexist in tests.
func NewPrometheus(namespace string) *Prometheus {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	p := &Prometheus{
		registry: reg,
		eventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events accepted and evaluated against the rule set.",
		}),
		eventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_rejected_total",
			Help:      "Events rejected before evaluation.",
		}, []string{"reason"}),
		rulesFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rules_fired_total",
			Help:      "Rule firings by rule id.",
		}, []string{"rule_id"}),
		alertsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created by severity.",
		}, []string{"severity"}),
		alertsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_evicted_total",
			Help:      "Alerts evicted by the retention cap.",
		}),
		notificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Alerts not handed to notification channels because the dispatch buffer was full.",
		}),
		ruleReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_reloads_total",
			Help:      "Rule reload attempts by result.",
		}, []string{"result"}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "up",
		Help:      "Always 1 while the process is serving.",
	}, func() float64 { return 1 })

	return p
}

func (p *Prometheus) EventProcessed() { p.eventsProcessed.Inc() }

func (p *Prometheus) EventRejected(reason string) { p.eventsRejected.WithLabelValues(reason).Inc() }

func (p *Prometheus) RuleFired(ruleID string) { p.rulesFired.WithLabelValues(ruleID).Inc() }

func (p *Prometheus) AlertCreated(severity string) { p.alertsCreated.WithLabelValues(severity).Inc() }

func (p *Prometheus) AlertEvicted(n int) {
	if n > 0 {
		p.alertsEvicted.Add(float64(n))
	}
}

func (p *Prometheus) NotificationDropped() { p.notificationsDropped.Inc() }

func (p *Prometheus) RulesReloaded(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.ruleReloads.WithLabelValues(result).Inc()
}

// Register adds extra collectors, such as gauges owned by other components.
func (p *Prometheus) Register(cs ...prometheus.Collector) error {
	for _, c := range cs {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Gatherer exposes the underlying registry.
func (p *Prometheus) Gatherer() prometheus.Gatherer {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
