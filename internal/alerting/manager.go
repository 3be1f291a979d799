// Package alerting provides the alert sink: alert records, their lifecycle,
// retention, and notification delivery.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"siem-correlator/internal/correlation"
	"siem-correlator/internal/schema"
)

// AlertStatus represents the lifecycle state of an alert.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// IsValid checks if the status is a known value.
func (s AlertStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Alert is a record of a rule firing.
type Alert struct {
	ID          uuid.UUID            `json:"id"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	RuleID      string               `json:"rule_id"`
	RuleName    string               `json:"rule_name"`
	Severity    correlation.Severity `json:"severity"`
	Description string               `json:"description"`
	MatchCount  int                  `json:"match_count"`
	Tags        []string             `json:"tags,omitempty"`

	// Copied from the triggering event
	EventID        uuid.UUID       `json:"event_id"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	Category       schema.Category `json:"category"`
	Message        string          `json:"message"`
	SourceIP       string          `json:"source_ip,omitempty"`
	AgentID        string          `json:"agent_id,omitempty"`
	User           string          `json:"user,omitempty"`

	// Mutable lifecycle fields
	Status     AlertStatus `json:"status"`
	AssignedTo string      `json:"assigned_to,omitempty"`
	Notes      string      `json:"notes,omitempty"`
	Pinned     bool        `json:"pinned"`

	seq uint64
}

// copy returns a snapshot of a that is safe to hand to callers.
func (a *Alert) copy() *Alert {
	c := *a
	c.Tags = slices.Clone(a.Tags)
	return &c
}

// Patch lists the lifecycle fields an update may change. Nil fields are left as is.
type Patch struct {
	Status     *AlertStatus `json:"status,omitempty"`
	AssignedTo *string      `json:"assigned_to,omitempty"`
	Notes      *string      `json:"notes,omitempty"`
}

// NotFoundError reports a lookup or update of an alert that does not exist.
type NotFoundError struct {
	ID uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("alert not found: %s", e.ID)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// ErrInvalidStatus is returned when a patch names an unknown status.
var ErrInvalidStatus = errors.New("invalid alert status")

// NotificationChannel delivers alerts to an external system.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// ManagerConfig configures the alert manager.
type ManagerConfig struct {
	// MaxAlerts caps retained alerts. Zero means unlimited.
	MaxAlerts int
	// RetentionPeriod is how long resolved alerts are kept by Cleanup.
	RetentionPeriod time.Duration
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxAlerts:       10000,
		RetentionPeriod: 30 * 24 * time.Hour,
	}
}

// Manager owns the alert collection.
type Manager struct {
	config  ManagerConfig
	clock   correlation.Clock
	alerts  map[uuid.UUID]*Alert
	order   []*Alert // ascending by (CreatedAt, seq)
	seq     uint64
	evicted int64
	onEvict func(n int)
	mu      sync.RWMutex
}

// NewManager creates a new alert manager.
func NewManager(config ManagerConfig, clock correlation.Clock) *Manager {
	if clock == nil {
		clock = correlation.SystemClock{}
	}
	return &Manager{
		config: config,
		clock:  clock,
		alerts: make(map[uuid.UUID]*Alert),
	}
}

// OnEvict registers fn to be called, outside the manager's lock, with the
// number of alerts each insertion or unpin evicted.
func (m *Manager) OnEvict(fn func(n int)) {
	m.mu.Lock()
	m.onEvict = fn
	m.mu.Unlock()
}

// CreateAlert records a new active alert for a fired rule and returns a copy of it.
func (m *Manager) CreateAlert(fired correlation.FiredRule) *Alert {
	now := m.clock.Now()
	ev := fired.Event
	var msg string
	if ev != nil {
		msg = ev.Message
	}

	alert := &Alert{
		ID:          uuid.New(),
		CreatedAt:   now,
		UpdatedAt:   now,
		RuleID:      fired.Rule.ID,
		RuleName:    fired.Rule.DisplayName(),
		Severity:    fired.Rule.Severity,
		Description: fmt.Sprintf("Rule '%s' triggered: %s", fired.Rule.DisplayName(), msg),
		MatchCount:  fired.Count,
		Tags:        slices.Clone(fired.Rule.Tags),
		Status:      StatusActive,
	}
	if ev != nil {
		alert.EventID = ev.ID
		alert.EventTimestamp = ev.Timestamp
		alert.Category = ev.Category
		alert.Message = ev.Message
		alert.SourceIP = ev.SourceIP
		alert.AgentID = ev.AgentID
		alert.User = ev.User
	}

	m.mu.Lock()
	m.seq++
	alert.seq = m.seq
	m.alerts[alert.ID] = alert
	m.insertOrdered(alert)
	evicted := m.enforceCap(alert)
	out := alert.copy()
	onEvict := m.onEvict
	m.mu.Unlock()

	if len(evicted) > 0 && onEvict != nil {
		onEvict(len(evicted))
	}

	for _, a := range evicted {
		slog.Debug("alert evicted by retention cap",
			"alert_id", a.ID,
			"rule_id", a.RuleID,
			"status", a.Status,
		)
	}
	return out
}

func (m *Manager) insertOrdered(alert *Alert) {
	n := len(m.order)
	if n == 0 || !less(alert, m.order[n-1]) {
		m.order = append(m.order, alert)
		return
	}
	i := sort.Search(n, func(i int) bool { return less(alert, m.order[i]) })
	m.order = slices.Insert(m.order, i, alert)
}

func less(a, b *Alert) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.seq < b.seq
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// enforceCap evicts alerts until the cap is met: the oldest resolved
// unpinned alert first, then the oldest unpinned alert. Pinned alerts are
// never evicted, so the cap may be exceeded while they remain pinned. The
// alert being created, if any, is exempt from its own insertion's eviction.
func (m *Manager) enforceCap(exempt *Alert) []*Alert {
	if m.config.MaxAlerts <= 0 {
		return nil
	}

	var evicted []*Alert
	for len(m.order) > m.config.MaxAlerts {
		idx := -1
		for i, a := range m.order {
			if !a.Pinned && a != exempt && a.Status == StatusResolved {
				idx = i
				break
			}
		}
		if idx < 0 {
			for i, a := range m.order {
				if !a.Pinned && a != exempt {
					idx = i
					break
				}
			}
		}
		if idx < 0 {
			break
		}

		victim := m.order[idx]
		if idx == 0 {
			m.order[0] = nil
			m.order = m.order[1:]
		} else {
			m.order = slices.Delete(m.order, idx, idx+1)
		}
		delete(m.alerts, victim.ID)
		m.evicted++
		evicted = append(evicted, victim)
	}
	return evicted
}

// GetAlert returns a copy of the alert with the given id.
func (m *Manager) GetAlert(id uuid.UUID) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return alert.copy(), nil
}

// UpdateAlert applies the fields present in patch. A missing alert yields
// *NotFoundError and an invalid patch changes nothing.
func (m *Manager) UpdateAlert(id uuid.UUID, patch Patch) (*Alert, error) {
	if patch.Status != nil && !patch.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}

	if patch.Status != nil {
		alert.Status = *patch.Status
	}
	if patch.AssignedTo != nil {
		alert.AssignedTo = *patch.AssignedTo
	}
	if patch.Notes != nil {
		alert.Notes = *patch.Notes
	}
	alert.UpdatedAt = m.clock.Now()

	return alert.copy(), nil
}

// SetPinned marks an alert as referenced by an open investigation, which
// exempts it from eviction, or clears the mark.
func (m *Manager) SetPinned(id uuid.UUID, pinned bool) (*Alert, error) {
	m.mu.Lock()
	alert, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return nil, &NotFoundError{ID: id}
	}
	alert.Pinned = pinned
	alert.UpdatedAt = m.clock.Now()
	out := alert.copy()

	// Unpinning may let a deferred eviction proceed.
	var evicted []*Alert
	if !pinned {
		evicted = m.enforceCap(nil)
	}
	onEvict := m.onEvict
	m.mu.Unlock()

	if len(evicted) > 0 {
		slog.Debug("deferred alert evictions applied", "count", len(evicted))
		if onEvict != nil {
			onEvict(len(evicted))
		}
	}
	return out, nil
}

// AlertFilter defines filters for listing alerts.
type AlertFilter struct {
	Status   *AlertStatus
	Severity *correlation.Severity
	RuleID   string
	Since    *time.Time
	Until    *time.Time
	Pinned   *bool
}

func (f *AlertFilter) matches(alert *Alert) bool {
	if f.Status != nil && alert.Status != *f.Status {
		return false
	}
	if f.Severity != nil && alert.Severity != *f.Severity {
		return false
	}
	if f.RuleID != "" && alert.RuleID != f.RuleID {
		return false
	}
	if f.Since != nil && alert.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && alert.CreatedAt.After(*f.Until) {
		return false
	}
	if f.Pinned != nil && alert.Pinned != *f.Pinned {
		return false
	}
	return true
}

// Page selects a slice of a listing.
type Page struct {
	Offset int
	Limit  int
}

// AlertPage is one page of a listing, newest first.
type AlertPage struct {
	Alerts []*Alert `json:"alerts"`
	Total  int      `json:"total"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
}

// ListAlerts returns alerts matching filter ordered by creation time
// descending. Ordering is stable across calls; ties keep creation order.
func (m *Manager) ListAlerts(filter AlertFilter, page Page) AlertPage {
	if page.Offset < 0 {
		page.Offset = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := AlertPage{Alerts: []*Alert{}, Offset: page.Offset, Limit: page.Limit}
	for i := len(m.order) - 1; i >= 0; i-- {
		a := m.order[i]
		if !filter.matches(a) {
			continue
		}
		if result.Total >= page.Offset && (page.Limit <= 0 || len(result.Alerts) < page.Limit) {
			result.Alerts = append(result.Alerts, a.copy())
		}
		result.Total++
	}
	return result
}

// Stats summarizes the alert collection.
type Stats struct {
	Total      int            `json:"total"`
	Active     int            `json:"active_alerts"`
	Critical   int            `json:"critical_alerts"`
	Pinned     int            `json:"pinned"`
	Evicted    int64          `json:"evicted"`
	ByStatus   map[string]int `json:"by_status"`
	BySeverity map[string]int `json:"by_severity"`
}

// Stats returns alert statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Total:      len(m.alerts),
		Evicted:    m.evicted,
		ByStatus:   make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, alert := range m.alerts {
		s.ByStatus[string(alert.Status)]++
		s.BySeverity[string(alert.Severity)]++
		if alert.Status == StatusActive {
			s.Active++
		}
		if alert.Severity == correlation.SeverityCritical {
			s.Critical++
		}
		if alert.Pinned {
			s.Pinned++
		}
	}
	return s
}

// Len returns the number of retained alerts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.alerts)
}

// Cleanup removes resolved, unpinned alerts older than the retention period.
func (m *Manager) Cleanup() int {
	if m.config.RetentionPeriod <= 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.config.RetentionPeriod)
	kept := m.order[:0]
	removed := 0
	for _, alert := range m.order {
		if alert.CreatedAt.Before(cutoff) && alert.Status == StatusResolved && !alert.Pinned {
			delete(m.alerts, alert.ID)
			removed++
			continue
		}
		kept = append(kept, alert)
	}
	clear(m.order[len(kept):])
	m.order = kept
	return removed
}
