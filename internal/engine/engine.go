// Package engine is the correlation core's facade. It ties the rule
// registry, window store, evaluator and alert sink together behind the
// operations the service layer calls, and runs the background upkeep
// (window sweeping, alert retention, notification hand-off).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"siem-correlator/internal/alerting"
	"siem-correlator/internal/correlation"
	"siem-correlator/internal/metrics"
	"siem-correlator/internal/schema"
)

// ErrNoRuleSource is returned by ReloadFromSource when no loader is configured.
var ErrNoRuleSource = errors.New("no rule source configured")

// Notifier receives alerts after they are created.
type Notifier interface {
	Dispatch(ctx context.Context, alert *alerting.Alert)
}

// RuleLoader reads the configured rule set, for reloads without a body.
type RuleLoader func() ([]correlation.Rule, error)

// Config configures the engine's background work.
type Config struct {
	SweepInterval        time.Duration // Window sweeper period; zero disables
	AlertCleanupInterval time.Duration // Alert retention period check; zero disables
	DispatchBuffer       int           // Alerts queued for notification
}

// DefaultConfig returns default engine configuration.
func DefaultConfig() Config {
	return Config{
		SweepInterval:        30 * time.Second,
		AlertCleanupInterval: time.Hour,
		DispatchBuffer:       1000,
	}
}

// Deps are the collaborators an Engine is built from. Registry, Store and
// Alerts are required; the rest have defaults.
type Deps struct {
	Registry   *correlation.Registry
	Store      *correlation.WindowStore
	Alerts     *alerting.Manager
	Validator  *schema.Validator
	Clock      correlation.Clock
	Metrics    metrics.Sink
	Notifier   Notifier
	RuleLoader RuleLoader
}

// Engine is the correlation core.
type Engine struct {
	config     Config
	registry   *correlation.Registry
	store      *correlation.WindowStore
	evaluator  *correlation.Evaluator
	alerts     *alerting.Manager
	validator  *schema.Validator
	clock      correlation.Clock
	metrics    metrics.Sink
	notifier   Notifier
	ruleLoader RuleLoader

	processed atomic.Int64
	rejected  atomic.Int64
	dropped   atomic.Int64
	hourly    *minuteRing

	dispatchCh chan *alerting.Alert
	stopCh     chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool
	wg         sync.WaitGroup
}

// New creates an engine. The window store's retention horizon is set from
// the registry's current rule set.
func New(cfg Config, deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = correlation.SystemClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.Validator == nil {
		deps.Validator = schema.NewValidator()
	}
	if deps.Store == nil {
		deps.Store = correlation.NewWindowStore(correlation.DefaultWindowStoreConfig())
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = DefaultConfig().DispatchBuffer
	}

	e := &Engine{
		config:     cfg,
		registry:   deps.Registry,
		store:      deps.Store,
		evaluator:  correlation.NewEvaluator(deps.Registry, deps.Store, deps.Clock),
		alerts:     deps.Alerts,
		validator:  deps.Validator,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		notifier:   deps.Notifier,
		ruleLoader: deps.RuleLoader,
		hourly:     newMinuteRing(),
		dispatchCh: make(chan *alerting.Alert, cfg.DispatchBuffer),
		stopCh:     make(chan struct{}),
	}
	e.store.SetHorizon(e.registry.Snapshot().MaxWindow())
	e.alerts.OnEvict(e.metrics.AlertEvicted)
	return e
}

// Submit validates an event, evaluates it against the active rule set and
// returns the alerts it created. An invalid event is rejected with
// *schema.InvalidEventError and leaves no trace in any window.
func (e *Engine) Submit(event *schema.Event) ([]*alerting.Alert, error) {
	if event == nil {
		e.reject()
		return nil, &schema.InvalidEventError{Field: "event", Reason: "is nil"}
	}

	ev := *event
	ev.ApplyDefaults()
	now := e.clock.Now()
	if err := e.validator.ValidateAt(&ev, now); err != nil {
		e.reject()
		return nil, err
	}

	fired := e.evaluator.EvaluateSnapshot(e.registry.Snapshot(), &ev)
	e.processed.Add(1)
	e.hourly.add(now)
	e.metrics.EventProcessed()

	if len(fired) == 0 {
		return nil, nil
	}

	created := make([]*alerting.Alert, 0, len(fired))
	for _, f := range fired {
		e.metrics.RuleFired(f.Rule.ID)
		alert := e.alerts.CreateAlert(f)
		e.metrics.AlertCreated(string(alert.Severity))
		created = append(created, alert)

		slog.Info("rule fired",
			"rule_id", f.Rule.ID,
			"alert_id", alert.ID,
			"severity", alert.Severity,
			"count", f.Count,
			"threshold", f.Rule.Threshold,
		)
		e.enqueue(alert)
	}
	return created, nil
}

func (e *Engine) reject() {
	e.rejected.Add(1)
	e.metrics.EventRejected(metrics.ReasonInvalid)
}

func (e *Engine) enqueue(alert *alerting.Alert) {
	if e.notifier == nil {
		return
	}
	select {
	case e.dispatchCh <- alert:
	default:
		e.dropped.Add(1)
		e.metrics.NotificationDropped()
		slog.Warn("alert dispatch buffer full, notification dropped",
			"alert_id", alert.ID,
			"rule_id", alert.RuleID,
		)
	}
}

// GetAlerts lists alerts newest first.
func (e *Engine) GetAlerts(filter alerting.AlertFilter, page alerting.Page) alerting.AlertPage {
	return e.alerts.ListAlerts(filter, page)
}

// ListAlerts is GetAlerts under the name the alert API expects.
func (e *Engine) ListAlerts(filter alerting.AlertFilter, page alerting.Page) alerting.AlertPage {
	return e.GetAlerts(filter, page)
}

// GetAlert returns one alert or *alerting.NotFoundError.
func (e *Engine) GetAlert(id uuid.UUID) (*alerting.Alert, error) {
	return e.alerts.GetAlert(id)
}

// UpdateAlert applies a lifecycle patch.
func (e *Engine) UpdateAlert(id uuid.UUID, patch alerting.Patch) (*alerting.Alert, error) {
	return e.alerts.UpdateAlert(id, patch)
}

// SetPinned pins or unpins an alert.
func (e *Engine) SetPinned(id uuid.UUID, pinned bool) (*alerting.Alert, error) {
	return e.alerts.SetPinned(id, pinned)
}

// Stats returns alert statistics.
func (e *Engine) Stats() alerting.Stats {
	return e.alerts.Stats()
}

// GetRules returns the active rule set in declaration order.
func (e *Engine) GetRules() []correlation.Rule {
	return e.registry.Rules()
}

// ReloadRules atomically replaces the rule set. On *correlation.ConfigError
// the previous set stays active. Window buffers of rules that survive the
// reload keep their history.
func (e *Engine) ReloadRules(rules []correlation.Rule) error {
	if err := e.registry.Load(rules); err != nil {
		e.metrics.RulesReloaded(false)
		slog.Warn("rule reload rejected", "error", err)
		return err
	}
	e.store.SetHorizon(e.registry.Snapshot().MaxWindow())
	e.metrics.RulesReloaded(true)
	return nil
}

// ReloadFromSource re-reads the configured rule source and reloads it.
func (e *Engine) ReloadFromSource() error {
	if e.ruleLoader == nil {
		return ErrNoRuleSource
	}
	rules, err := e.ruleLoader()
	if err != nil {
		e.metrics.RulesReloaded(false)
		return fmt.Errorf("reading rule source: %w", err)
	}
	return e.ReloadRules(rules)
}

// GetWindowDiagnostics reports the number of matches inside a rule's window
// and the oldest of them.
func (e *Engine) GetWindowDiagnostics(ruleID string) (correlation.WindowDiagnostics, error) {
	rule, ok := e.registry.Snapshot().Lookup(ruleID)
	if !ok {
		return correlation.WindowDiagnostics{}, fmt.Errorf("%w: %s", correlation.ErrUnknownRule, ruleID)
	}
	return e.store.Diagnostics(ruleID, e.clock.Now(), rule.Window), nil
}

// Start launches the background goroutines. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	if e.started.Swap(true) {
		return
	}

	if e.notifier != nil {
		e.wg.Add(1)
		go e.dispatchLoop(ctx)
	}
	if e.config.SweepInterval > 0 {
		e.wg.Add(1)
		go e.every(ctx, e.config.SweepInterval, e.Sweep)
	}
	if e.config.AlertCleanupInterval > 0 {
		e.wg.Add(1)
		go e.every(ctx, e.config.AlertCleanupInterval, e.cleanupAlerts)
	}

	slog.Info("correlation engine started",
		"rules", e.registry.Snapshot().Len(),
		"sweep_interval", e.config.SweepInterval,
		"notifier", e.notifier != nil,
	)
}

// Stop stops the background goroutines. Alerts still buffered for
// notification are handed to the notifier before it returns.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	slog.Info("correlation engine stopped",
		"events_processed", e.processed.Load(),
		"events_rejected", e.rejected.Load(),
	)
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case alert := <-e.dispatchCh:
			e.notifier.Dispatch(ctx, alert)
		case <-ctx.Done():
			e.drain(context.WithoutCancel(ctx))
			return
		case <-e.stopCh:
			e.drain(ctx)
			return
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case alert := <-e.dispatchCh:
			e.notifier.Dispatch(ctx, alert)
		default:
			return
		}
	}
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func()) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Sweep purges every window to the retention horizon and drops the windows
// of rules that are no longer loaded. Evaluation never depends on it.
func (e *Engine) Sweep() {
	snap := e.registry.Snapshot()
	removed, purged := e.store.Sweep(e.clock.Now(), func(ruleID string) bool {
		_, ok := snap.Lookup(ruleID)
		return ok
	})
	if removed > 0 || purged > 0 {
		slog.Debug("window sweep",
			"windows_removed", removed,
			"entries_purged", purged,
		)
	}
}

func (e *Engine) cleanupAlerts() {
	if n := e.alerts.Cleanup(); n > 0 {
		slog.Info("expired resolved alerts removed", "count", n)
	}
}
