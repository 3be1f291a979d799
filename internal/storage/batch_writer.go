package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"siem-correlator/internal/alerting"
	"siem-correlator/internal/config"
)

const alertTable = "alert_archive"

const insertAlerts = `INSERT INTO alert_archive (
	alert_id, created_at, rule_id, rule_name, severity,
	description, match_count, tags,
	event_id, event_timestamp, category, message,
	source_ip, agent_id, user, status
)`

// alertRow lists the alert_archive columns of a in insertAlerts order.
func alertRow(a *alerting.Alert) []any {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		a.ID, a.CreatedAt, a.RuleID, a.RuleName, string(a.Severity),
		a.Description, uint32(a.MatchCount), tags,
		a.EventID, a.EventTimestamp, string(a.Category), a.Message,
		a.SourceIP, a.AgentID, a.User, string(a.Status),
	}
}

type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

// BatchWriterConfig sizes batches and bounds insert retries.
type BatchWriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int           // retries after the first attempt
	RetryDelay    time.Duration // multiplied by the attempt number
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriterConfigFrom overlays the service settings on the defaults.
func BatchWriterConfigFrom(s config.ClickHouseConfig) BatchWriterConfig {
	c := DefaultBatchWriterConfig()
	if s.BatchSize > 0 {
		c.BatchSize = s.BatchSize
	}
	if s.FlushInterval > 0 {
		c.FlushInterval = s.FlushInterval
	}
	if s.MaxRetries >= 0 {
		c.MaxRetries = s.MaxRetries
	}
	if s.RetryDelay > 0 {
		c.RetryDelay = s.RetryDelay
	}
	return c
}

// BatchWriter collects alerts and inserts them into alert_archive when a
// batch fills up, on every flush interval, and on Close.
type BatchWriter struct {
	db     batchPreparer
	cfg    BatchWriterConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending []*alerting.Alert
	closed  bool

	insertMu sync.Mutex
	stop     chan struct{}
	done     chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewBatchWriter starts the interval flusher.
func NewBatchWriter(db batchPreparer, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	w := &BatchWriter{
		db:     db,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *BatchWriter) loop() {
	defer close(w.done)
	tick := time.NewTicker(w.cfg.FlushInterval)
	defer tick.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-tick.C:
			if err := w.Flush(); err != nil {
				w.logger.Error("interval flush failed", "error", err)
			}
		}
	}
}

// take empties the pending buffer. Callers hold w.mu.
func (w *BatchWriter) take() []*alerting.Alert {
	batch := w.pending
	w.pending = make([]*alerting.Alert, 0, w.cfg.BatchSize)
	return batch
}

// Write buffers alert. When that fills the batch, Write inserts it and
// returns the insert error.
func (w *BatchWriter) Write(alert *alerting.Alert) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWriterClosed
	}
	w.pending = append(w.pending, alert)
	if len(w.pending) < w.cfg.BatchSize {
		w.mu.Unlock()
		return nil
	}
	batch := w.take()
	w.mu.Unlock()

	return w.insert(batch)
}

// Flush inserts whatever is buffered.
func (w *BatchWriter) Flush() error {
	w.mu.Lock()
	batch := w.take()
	w.mu.Unlock()
	return w.insert(batch)
}

func (w *BatchWriter) insert(batch []*alerting.Alert) error {
	if len(batch) == 0 {
		return nil
	}
	w.insertMu.Lock()
	defer w.insertMu.Unlock()

	attempts := w.cfg.MaxRetries + 1
	var err error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			time.Sleep(w.cfg.RetryDelay * time.Duration(n-1))
		}
		if err = w.send(batch); err == nil {
			w.written.Add(uint64(len(batch)))
			w.batches.Add(1)
			w.logger.Debug("alert batch archived", "alerts", len(batch), "attempt", n)
			return nil
		}
		w.logger.Warn("alert batch insert failed", "attempt", n, "of", attempts, "error", err)
	}

	w.failed.Add(uint64(len(batch)))
	return &OpError{Op: "insert", Table: alertTable, Attempts: attempts, Err: errors.Join(ErrInsertFailed, err)}
}

func (w *BatchWriter) send(batch []*alerting.Alert) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := w.db.PrepareBatch(ctx, insertAlerts)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	for _, a := range batch {
		if err := b.Append(alertRow(a)...); err != nil {
			b.Abort()
			return fmt.Errorf("append alert %s: %w", a.ID, err)
		}
	}
	return b.Send()
}

// Close stops the interval flusher and inserts what is left. Later calls
// return nil.
func (w *BatchWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	batch := w.take()
	w.mu.Unlock()

	close(w.stop)
	<-w.done
	return w.insert(batch)
}

// BatchWriterMetrics counts archived alerts.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

func (w *BatchWriter) Metrics() BatchWriterMetrics {
	w.mu.Lock()
	pending := len(w.pending)
	w.mu.Unlock()
	return BatchWriterMetrics{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
		Pending: pending,
	}
}
