package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"siem-correlator/internal/alerting"
	"siem-correlator/internal/config"
	"siem-correlator/internal/kafka"
	"siem-correlator/internal/storage"
)

// notifier owns the alert notification channels and their dispatcher.
type notifier struct {
	dispatcher *alerting.ReliableDispatcher
	closers    []func() error
	once       sync.Once
}

// buildNotifier creates every enabled channel. Redis being unreachable at
// startup is logged, since the client reconnects on the next send; Kafka and
// ClickHouse failures abort startup.
func buildNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*notifier, error) {
	n := &notifier{}
	var channels []alerting.NotificationChannel

	if cfg.Notify.Log {
		channels = append(channels, alerting.NewLogChannel(logger))
	}

	for _, wh := range cfg.Notify.Webhooks {
		channels = append(channels, alerting.NewWebhookChannel(wh.Name, wh.URL, wh.Headers))
	}

	if rc := cfg.Notify.Redis; rc.Enabled {
		ch := alerting.NewRedisChannel(alerting.RedisConfigFrom(rc))
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := ch.Ping(pingCtx); err != nil {
			slog.Warn("redis not reachable, alerts will be retried", "addr", rc.Addr, "error", err)
		}
		cancel()
		channels = append(channels, ch)
		n.closers = append(n.closers, ch.Close)
	}

	if cfg.Notify.Kafka.Enabled {
		pub, err := kafka.NewPublisher(kafka.FromSettings(cfg.Notify.Kafka), logger.With("component", "kafka-alerts"))
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("create kafka alert publisher: %w", err)
		}
		channels = append(channels, pub)
		n.closers = append(n.closers, pub.Close)
	}

	if chc := cfg.Notify.ClickHouse; chc.Enabled {
		client, err := storage.Open(ctx, storage.ConfigFrom(chc))
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("connect clickhouse: %w", err)
		}
		// closers run in reverse, so the archive flushes before the client closes
		n.closers = append(n.closers, client.Close)

		applied, err := storage.NewMigrator(client, logger).Run(ctx)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		slog.Info("clickhouse alert archive ready", "database", client.Database(), "migrations_applied", applied)

		archive := storage.NewAlertArchive(storage.NewBatchWriter(client, storage.BatchWriterConfigFrom(chc), logger))
		channels = append(channels, archive)
		n.closers = append(n.closers, archive.Close)
	}

	if len(channels) == 0 {
		slog.Info("no notification channels configured")
		return n, nil
	}

	d := cfg.Alerts.Delivery
	delivery := alerting.DefaultDeliveryConfig()
	if d.MaxRetries > 0 {
		delivery.MaxRetries = d.MaxRetries
	}
	if d.InitialBackoff > 0 {
		delivery.InitialBackoff = d.InitialBackoff
	}
	if d.MaxBackoff > 0 {
		delivery.MaxBackoff = d.MaxBackoff
	}
	if d.RetryTimeout > 0 {
		delivery.RetryTimeout = d.RetryTimeout
	}
	if d.MaxDeadLetters > 0 {
		delivery.MaxDeadLetters = d.MaxDeadLetters
	}

	n.dispatcher = alerting.NewReliableDispatcher(delivery, channels)
	slog.Info("notification channels configured", "channels", n.dispatcher.Channels())
	return n, nil
}

// Close stops the dispatcher and then closes the channels in reverse order.
func (n *notifier) Close() {
	n.once.Do(func() {
		if n.dispatcher != nil {
			n.dispatcher.Stop()
		}
		for i := len(n.closers) - 1; i >= 0; i-- {
			if err := n.closers[i](); err != nil {
				slog.Error("notification channel close error", "error", err)
			}
		}
	})
}
