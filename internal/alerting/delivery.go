package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrDispatcherStopped  = errors.New("dispatcher stopped")
)

// DeliveryStatus is where one alert stands with one channel.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of one alert to one channel.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     uuid.UUID      `json:"alert_id"`
	RuleID      string         `json:"rule_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`

	alert *Alert
}

// DeliveryConfig bounds retries and the in-memory delivery history.
type DeliveryConfig struct {
	MaxRetries     int           // attempts per delivery, first one included
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	RetryTimeout   time.Duration // per attempt
	MaxRecords     int
	MaxDeadLetters int
}

// DefaultDeliveryConfig returns the delivery settings used when the
// configuration leaves them unset.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:     5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2,
		RetryTimeout:   10 * time.Second,
		MaxRecords:     10000,
		MaxDeadLetters: 1000,
	}
}

// delay returns the wait before attempt n+1, given n failed attempts.
func (c DeliveryConfig) delay(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for range n - 1 {
		d *= c.BackoffFactor
		if c.MaxBackoff > 0 && d >= float64(c.MaxBackoff) {
			break
		}
	}
	if c.MaxBackoff > 0 && d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// DeliveryStats summarizes the retained delivery history.
type DeliveryStats struct {
	Channels    []string                          `json:"channels"`
	Total       int                               `json:"total_deliveries"`
	DeadLetters int                               `json:"dead_letter_count"`
	ByStatus    map[DeliveryStatus]int            `json:"by_status"`
	ByChannel   map[string]map[DeliveryStatus]int `json:"by_channel"`
}

// ReliableDispatcher fans each alert out to every channel in the
// background, retrying failed sends with exponential backoff. Deliveries
// that exhaust their attempts land in a bounded dead-letter list from which
// they can be retried.
type ReliableDispatcher struct {
	cfg      DeliveryConfig
	channels []NotificationChannel

	mu      sync.Mutex
	history []*DeliveryRecord // oldest first, at most cfg.MaxRecords
	dead    []*DeliveryRecord

	stop     chan struct{}
	stopOnce sync.Once
	inflight sync.WaitGroup
}

// NewReliableDispatcher returns a dispatcher over channels.
func NewReliableDispatcher(cfg DeliveryConfig, channels []NotificationChannel) *ReliableDispatcher {
	def := DefaultDeliveryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = def.RetryTimeout
	}
	return &ReliableDispatcher{
		cfg:      cfg,
		channels: channels,
		stop:     make(chan struct{}),
	}
}

// Channels returns the channel names in dispatch order.
func (d *ReliableDispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for _, ch := range d.channels {
		names = append(names, ch.Name())
	}
	return names
}

func (d *ReliableDispatcher) stopped() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

// Dispatch starts one delivery per channel. Channels see a snapshot of the
// alert taken now, so later lifecycle updates do not leak into retries.
func (d *ReliableDispatcher) Dispatch(ctx context.Context, alert *Alert) {
	if d.stopped() {
		slog.Warn("dispatcher stopped, alert not delivered", "alert_id", alert.ID)
		return
	}

	snap := alert.copy()
	now := time.Now()
	for _, ch := range d.channels {
		rec := &DeliveryRecord{
			ID:          uuid.New(),
			AlertID:     alert.ID,
			RuleID:      alert.RuleID,
			ChannelName: ch.Name(),
			Status:      DeliveryPending,
			CreatedAt:   now,
			alert:       snap,
		}
		d.remember(rec)
		d.start(ctx, ch, rec)
	}
}

func (d *ReliableDispatcher) remember(rec *DeliveryRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, rec)
	if limit := d.cfg.MaxRecords; limit > 0 && len(d.history) > limit {
		n := len(d.history) - limit
		clear(d.history[:n])
		d.history = d.history[n:]
	}
}

func (d *ReliableDispatcher) start(ctx context.Context, ch NotificationChannel, rec *DeliveryRecord) {
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.deliver(ctx, ch, rec)
	}()
}

func (d *ReliableDispatcher) deliver(ctx context.Context, ch NotificationChannel, rec *DeliveryRecord) {
	for attempt := 1; ; attempt++ {
		d.mu.Lock()
		rec.Attempts = attempt
		rec.LastAttempt = time.Now()
		if attempt > 1 {
			rec.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.RetryTimeout)
		err := ch.Send(sendCtx, rec.alert)
		cancel()

		if err == nil {
			d.mu.Lock()
			sent := time.Now()
			rec.Status = DeliverySent
			rec.DeliveredAt = &sent
			rec.LastError = ""
			d.mu.Unlock()
			slog.Debug("notification delivered", "channel", rec.ChannelName, "alert_id", rec.AlertID, "attempts", attempt)
			return
		}

		d.mu.Lock()
		rec.LastError = err.Error()
		d.mu.Unlock()
		slog.Warn("notification delivery failed",
			"channel", rec.ChannelName,
			"alert_id", rec.AlertID,
			"attempt", attempt,
			"max_retries", d.cfg.MaxRetries,
			"error", err,
		)

		if attempt >= d.cfg.MaxRetries {
			d.bury(rec, err.Error())
			return
		}

		wait := time.NewTimer(d.cfg.delay(attempt))
		select {
		case <-ctx.Done():
			wait.Stop()
			d.bury(rec, "context cancelled")
			return
		case <-d.stop:
			wait.Stop()
			d.bury(rec, "dispatcher stopped")
			return
		case <-wait.C:
		}
	}
}

// bury moves rec to the dead-letter list, dropping the oldest dead letters
// beyond MaxDeadLetters.
func (d *ReliableDispatcher) bury(rec *DeliveryRecord, reason string) {
	d.mu.Lock()
	rec.Status = DeliveryDeadLetter
	rec.LastError = reason
	attempts := rec.Attempts
	d.dead = append(d.dead, rec)
	if limit := d.cfg.MaxDeadLetters; limit > 0 && len(d.dead) > limit {
		n := len(d.dead) - limit
		clear(d.dead[:n])
		d.dead = d.dead[n:]
	}
	d.mu.Unlock()

	slog.Error("notification moved to dead letter queue",
		"alert_id", rec.AlertID,
		"channel", rec.ChannelName,
		"attempts", attempts,
		"reason", reason,
	)
}

// DeadLetterQueue returns copies of the dead letters, oldest first.
func (d *ReliableDispatcher) DeadLetterQueue() []DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeliveryRecord, len(d.dead))
	for i, rec := range d.dead {
		out[i] = *rec
	}
	return out
}

// RetryDeadLetter takes a dead letter off the list and delivers it again
// with a fresh attempt budget.
func (d *ReliableDispatcher) RetryDeadLetter(ctx context.Context, recordID uuid.UUID) error {
	if d.stopped() {
		return ErrDispatcherStopped
	}

	d.mu.Lock()
	i := slices.IndexFunc(d.dead, func(r *DeliveryRecord) bool { return r.ID == recordID })
	if i < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeadLetterNotFound, recordID)
	}
	rec := d.dead[i]
	d.dead = slices.Delete(d.dead, i, i+1)
	rec.Status = DeliveryPending
	rec.Attempts = 0
	rec.LastError = ""
	d.mu.Unlock()

	idx := slices.IndexFunc(d.channels, func(c NotificationChannel) bool { return c.Name() == rec.ChannelName })
	if idx < 0 {
		d.bury(rec, "channel not found: "+rec.ChannelName)
		return fmt.Errorf("channel not found: %s", rec.ChannelName)
	}
	d.start(ctx, d.channels[idx], rec)
	return nil
}

// Deliveries returns copies of the retained records for one alert.
func (d *ReliableDispatcher) Deliveries(alertID uuid.UUID) []DeliveryRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []DeliveryRecord
	for _, rec := range d.history {
		if rec.AlertID == alertID {
			out = append(out, *rec)
		}
	}
	return out
}

// Stats counts the retained delivery history by status and channel.
func (d *ReliableDispatcher) Stats() DeliveryStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := DeliveryStats{
		Channels:    d.Channels(),
		Total:       len(d.history),
		DeadLetters: len(d.dead),
		ByStatus:    make(map[DeliveryStatus]int),
		ByChannel:   make(map[string]map[DeliveryStatus]int),
	}
	for _, rec := range d.history {
		s.ByStatus[rec.Status]++
		per := s.ByChannel[rec.ChannelName]
		if per == nil {
			per = make(map[DeliveryStatus]int)
			s.ByChannel[rec.ChannelName] = per
		}
		per[rec.Status]++
	}
	return s
}

// Stop aborts pending backoffs and waits for in-flight sends. Later
// Dispatch calls are ignored.
func (d *ReliableDispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	d.inflight.Wait()
}
