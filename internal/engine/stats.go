package engine

import (
	"sync"
	"time"

	"siem-correlator/internal/alerting"
)

const ringMinutes = 60

// minuteRing counts events per wall-clock minute over the last hour.
type minuteRing struct {
	mu      sync.Mutex
	minutes [ringMinutes]int64
	counts  [ringMinutes]int64
}

func newMinuteRing() *minuteRing {
	return &minuteRing{}
}

func (r *minuteRing) add(t time.Time) {
	m := t.Unix() / 60
	i := int(m % ringMinutes)

	r.mu.Lock()
	if r.minutes[i] != m {
		r.minutes[i] = m
		r.counts[i] = 0
	}
	r.counts[i]++
	r.mu.Unlock()
}

// sum returns the count for the minute containing now and the 59 before it.
func (r *minuteRing) sum(now time.Time) int64 {
	cur := now.Unix() / 60

	r.mu.Lock()
	defer r.mu.Unlock()

	var total int64
	for i := range ringMinutes {
		if m := r.minutes[i]; m > cur-ringMinutes && m <= cur {
			total += r.counts[i]
		}
	}
	return total
}

// Overview is the dashboard summary of the engine.
type Overview struct {
	EventsProcessed      int64          `json:"events_processed"`
	EventsRejected       int64          `json:"events_rejected"`
	EventsLastHour       int64          `json:"events_last_hour"`
	RulesLoaded          int            `json:"rules_loaded"`
	RulesEnabled         int            `json:"rules_enabled"`
	RuleSetVersion       uint64         `json:"rule_set_version"`
	RulesLoadedAt        time.Time      `json:"rules_loaded_at"`
	Alerts               alerting.Stats `json:"alerts"`
	Windows              map[string]any `json:"windows"`
	DispatchQueued       int            `json:"dispatch_queued"`
	NotificationsDropped int64          `json:"notifications_dropped"`
	GeneratedAt          time.Time      `json:"generated_at"`
}

// Overview returns the dashboard summary.
func (e *Engine) Overview() Overview {
	now := e.clock.Now()
	snap := e.registry.Snapshot()

	enabled := 0
	for range snap.EnabledRules() {
		enabled++
	}

	return Overview{
		EventsProcessed:      e.processed.Load(),
		EventsRejected:       e.rejected.Load(),
		EventsLastHour:       e.hourly.sum(now),
		RulesLoaded:          snap.Len(),
		RulesEnabled:         enabled,
		RuleSetVersion:       snap.Version(),
		RulesLoadedAt:        snap.LoadedAt(),
		Alerts:               e.alerts.Stats(),
		Windows:              e.store.Stats(),
		DispatchQueued:       len(e.dispatchCh),
		NotificationsDropped: e.dropped.Load(),
		GeneratedAt:          now,
	}
}
