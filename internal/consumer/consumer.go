// Package consumer drains the event queue into the correlation engine.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"siem-correlator/internal/alerting"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
)

type Config struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

func DefaultConfig() Config {
	return Config{Workers: 4, ShutdownWait: 30 * time.Second}
}

// Submitter correlates one event and returns the alerts it raised.
type Submitter interface {
	Submit(event *schema.Event) ([]*alerting.Alert, error)
}

// ConsumerMetrics counts outcomes of submitted events.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Invalid  uint64 `json:"invalid"`
	Errors   uint64 `json:"errors"`
	Alerts   uint64 `json:"alerts"`
}

// Consumer runs a fixed pool of workers popping from the queue. Each
// event goes to exactly one worker.
type Consumer struct {
	q      *queue.RingBuffer
	sub    Submitter
	cfg    Config
	wg     sync.WaitGroup
	cancel context.CancelFunc

	consumed, invalid, failed, alerts atomic.Uint64
}

func New(q *queue.RingBuffer, s Submitter, cfg Config) *Consumer {
	cfg.Workers = max(cfg.Workers, 1)
	return &Consumer{q: q, sub: s, cfg: cfg}
}

func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for id := range c.cfg.Workers {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.work(ctx, id)
		}()
	}
	slog.Info("queue consumer started", "workers", c.cfg.Workers)
}

// work pops until the queue is closed and empty or ctx ends.
func (c *Consumer) work(ctx context.Context, id int) {
	log := slog.With("worker_id", id)
	for {
		event, err := c.q.PopContext(ctx)
		switch {
		case err == nil:
			c.submit(log, event)
		case errors.Is(err, queue.ErrQueueClosed), ctx.Err() != nil:
			log.Debug("consumer worker exiting", "reason", err)
			return
		default:
			c.failed.Add(1)
			log.Warn("queue pop failed", "error", err)
		}
	}
}

func (c *Consumer) submit(log *slog.Logger, event *schema.Event) {
	alerts, err := c.sub.Submit(event)
	switch {
	case err == nil:
		c.consumed.Add(1)
		c.alerts.Add(uint64(len(alerts)))
	case schema.IsInvalidEvent(err):
		c.invalid.Add(1)
		log.Debug("event rejected", "event_id", event.ID, "error", err)
	default:
		c.failed.Add(1)
		log.Error("submit failed", "event_id", event.ID, "error", err)
	}
}

// Stop closes the queue so workers drain what is left, then cancels them
// if the drain takes longer than ShutdownWait.
func (c *Consumer) Stop() {
	c.q.Close()

	drained := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(c.cfg.ShutdownWait)
	defer timer.Stop()
	select {
	case <-drained:
		slog.Info("queue consumer drained", "consumed", c.consumed.Load(), "invalid", c.invalid.Load())
	case <-timer.C:
		slog.Warn("queue consumer drain timed out", "remaining", c.q.Len())
		c.stopWorkers()
		<-drained
	}
	c.stopWorkers()
}

func (c *Consumer) stopWorkers() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: c.consumed.Load(),
		Invalid:  c.invalid.Load(),
		Errors:   c.failed.Load(),
		Alerts:   c.alerts.Load(),
	}
}
