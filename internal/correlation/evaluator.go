package correlation

import (
	"time"

	"siem-correlator/internal/schema"
)

// FiredRule is a rule whose threshold was reached by an event.
type FiredRule struct {
	Rule    Rule
	Event   *schema.Event
	Count   int
	FiredAt time.Time
}

// Evaluator matches events against the active rule set and decides which
// rules fire.
type Evaluator struct {
	registry *Registry
	store    *WindowStore
	clock    Clock
}

// NewEvaluator creates an evaluator over a registry and window store.
func NewEvaluator(registry *Registry, store *WindowStore, clock Clock) *Evaluator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Evaluator{registry: registry, store: store, clock: clock}
}

// Evaluate runs the event against the active snapshot.
func (e *Evaluator) Evaluate(event *schema.Event) []FiredRule {
	return e.EvaluateSnapshot(e.registry.Snapshot(), event)
}

// EvaluateSnapshot runs the event against every enabled rule of snap. Each
// matching rule records the event timestamp in its window, whether or not
// it fires; a rule fires when its window count reaches the threshold.
// Rules are independent of one another.
func (e *Evaluator) EvaluateSnapshot(snap *Snapshot, event *schema.Event) []FiredRule {
	now := e.clock.Now()
	var fired []FiredRule

	for rule := range snap.EnabledRules() {
		if !rule.Matcher.Matches(event) {
			continue
		}

		count := e.store.RecordAndCount(rule.ID, event.Timestamp, now, rule.Window)
		if count >= rule.Threshold {
			fired = append(fired, FiredRule{
				Rule:    rule.Rule.clone(),
				Event:   event,
				Count:   count,
				FiredAt: now,
			})
		}
	}
	return fired
}

// Store returns the evaluator's window store.
func (e *Evaluator) Store() *WindowStore { return e.store }

// Registry returns the evaluator's rule registry.
func (e *Evaluator) Registry() *Registry { return e.registry }
