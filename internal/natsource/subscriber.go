// Package natsource feeds events published on a NATS subject into the
// intake queue.
package natsource

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"siem-correlator/internal/config"
	"siem-correlator/internal/metrics"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
)

// EventSink accepts decoded events. *queue.RingBuffer satisfies it.
type EventSink interface {
	Push(event *schema.Event) error
}

// Stats counts messages seen by the subscriber.
type Stats struct {
	Received uint64 `json:"received"`
	Queued   uint64 `json:"queued"`
	Invalid  uint64 `json:"invalid"`
	Dropped  uint64 `json:"dropped"`
}

// Subscriber is a queue-group member on the events subject. Group members
// share the subject's messages, so several correlators can split a stream.
type Subscriber struct {
	cfg       config.NATSConfig
	conn      *nats.Conn
	sub       *nats.Subscription
	sink      EventSink
	validator *schema.Validator
	metrics   metrics.Sink
	logger    *slog.Logger

	received atomic.Uint64
	queued   atomic.Uint64
	invalid  atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a subscriber. It does not connect until Start.
func New(cfg config.NATSConfig, sink EventSink, validator *schema.Validator, m metrics.Sink, logger *slog.Logger) *Subscriber {
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		cfg:       cfg,
		sink:      sink,
		validator: validator,
		metrics:   m,
		logger:    logger.With("component", "nats"),
	}
}

// Start connects and joins the queue group.
func (s *Subscriber) Start() error {
	opts := []nats.Option{
		nats.Name("siem-correlator"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if s.cfg.Token != "" {
		opts = append(opts, nats.Token(s.cfg.Token))
	}

	conn, err := nats.Connect(s.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats: connect %s: %w", s.cfg.URL, err)
	}

	sub, err := conn.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, s.handleMessage)
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats: subscribe %s: %w", s.cfg.Subject, err)
	}

	s.conn = conn
	s.sub = sub

	s.logger.Info("nats subscriber started",
		"subject", s.cfg.Subject,
		"queue", s.cfg.QueueGroup,
	)
	return nil
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	s.received.Add(1)
	now := time.Now()

	event, err := schema.DecodeEvent(msg.Data, now)
	if err == nil {
		err = s.validator.ValidateAt(event, now)
	}
	if err != nil {
		s.invalid.Add(1)
		s.metrics.EventRejected(metrics.ReasonInvalid)
		s.logger.Debug("dropping nats event", "error", err, "subject", msg.Subject)
		return
	}

	if err := s.sink.Push(event); err != nil {
		s.dropped.Add(1)
		if errors.Is(err, queue.ErrQueueFull) {
			s.metrics.EventRejected(metrics.ReasonQueueFull)
		}
		s.logger.Warn("nats event dropped", "error", err)
		return
	}
	s.queued.Add(1)
}

// Stop drains the subscription and closes the connection.
func (s *Subscriber) Stop() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Drain()
	if err != nil {
		s.conn.Close()
	}
	s.logger.Info("nats subscriber stopped",
		"received", s.received.Load(),
		"queued", s.queued.Load(),
	)
	return err
}

// Stats returns message counters.
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Queued:   s.queued.Load(),
		Invalid:  s.invalid.Load(),
		Dropped:  s.dropped.Load(),
	}
}
