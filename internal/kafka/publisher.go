package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/segmentio/kafka-go"

	"siem-correlator/internal/alerting"
)

// ErrPublisherClosed is returned by Send after Close.
var ErrPublisherClosed = errors.New("kafka: publisher closed")

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes alerts to a topic. It is an alerting.NotificationChannel;
// the dispatcher owns retries beyond the writer's own MaxAttempts.
type Publisher struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
	closed atomic.Bool
	sent   atomic.Uint64
}

var _ alerting.NotificationChannel = (*Publisher)(nil)

// NewPublisher builds a synchronous writer for cfg.Topic.
func NewPublisher(cfg *Config, logger *slog.Logger) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		Compression:  cfg.compression(),
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: cfg.RequiredAcks,
		MaxAttempts:  cfg.MaxAttempts,
		Transport: &kafka.Transport{
			DialTimeout: cfg.DialTimeout,
			SASL:        dialer.SASLMechanism,
			TLS:         dialer.TLS,
		},
		ErrorLogger: kafkaLogger(logger, slog.LevelWarn),
	}
	return newPublisher(w, cfg.Topic, logger), nil
}

func newPublisher(w messageWriter, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{w: w, topic: topic, logger: logger}
}

// Name implements alerting.NotificationChannel.
func (p *Publisher) Name() string { return "kafka" }

// Send writes the alert as JSON keyed by rule id, which keeps one rule's
// alerts on one partition.
func (p *Publisher) Send(ctx context.Context, alert *alerting.Alert) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("kafka: encode alert: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(alert.RuleID),
		Value: value,
		Time:  alert.CreatedAt,
		Headers: []kafka.Header{
			{Key: "rule_id", Value: []byte(alert.RuleID)},
			{Key: "severity", Value: []byte(alert.Severity)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish alert %s to %s: %w", alert.ID, p.topic, err)
	}
	p.sent.Add(1)
	return nil
}

// Sent returns the number of alerts written.
func (p *Publisher) Sent() uint64 { return p.sent.Load() }

// Close flushes and closes the writer. Later calls are no-ops.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.w.Close()
}
