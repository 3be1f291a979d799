package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if p := c.Server.HTTPPort; p < 1 || p > 65535 {
		fail("invalid http_port: %d", p)
	}

	if c.Queue.Size <= 0 {
		fail("queue size must be positive")
	}
	if p := c.Queue.OverflowPolicy; p != "" && p != "reject" && p != "drop_oldest" {
		fail("unknown queue overflow_policy: %q", p)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		fail("max_batch_size must be positive")
	}
	if c.Ingest.MaxPayloadSize <= 0 {
		fail("max_payload_size must be positive")
	}
	if tcp := c.Ingest.TCP; tcp.Enabled && tcp.TLSEnabled && (tcp.TLSCertFile == "" || tcp.TLSKeyFile == "") {
		fail("tcp tls_enabled requires tls_cert_file and tls_key_file")
	}

	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		fail("auth enabled but no api_keys configured")
	}
	if rl := c.RateLimit; rl.Enabled && (rl.RequestsPerIP <= 0 || rl.WindowSize <= 0) {
		fail("rate_limit requires positive requests_per_ip and window_size")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "warning", "error"}, strings.ToLower(c.Logging.Level)) {
		fail("unknown logging level: %q", c.Logging.Level)
	}
	if !slices.Contains([]string{"json", "text"}, c.Logging.Format) {
		fail("unknown logging format: %q", c.Logging.Format)
	}

	if c.Consumer.Workers <= 0 {
		fail("consumer workers must be positive")
	}
	if !c.Engine.BuiltinRules && c.Engine.RulesPath == "" {
		fail("engine needs rules_path or builtin_rules")
	}
	if c.Alerts.MaxAlerts < 0 {
		fail("alerts max_alerts must not be negative")
	}

	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			fail("notify webhook %d: url is required", i)
		}
	}
	for _, k := range []struct {
		where string
		cfg   KafkaConfig
	}{{"sources kafka", c.Sources.Kafka}, {"notify kafka", c.Notify.Kafka}} {
		if k.cfg.Enabled && (k.cfg.Topic == "" || len(k.cfg.Brokers) == 0) {
			fail("%s: topic and brokers are required", k.where)
		}
	}
	if ch := c.Notify.ClickHouse; ch.Enabled && len(ch.Hosts) == 0 {
		fail("notify clickhouse: hosts are required")
	}
	if c.Sources.NATS.Enabled && c.Sources.NATS.Subject == "" {
		fail("sources nats: subject is required")
	}
	if g := c.Sources.Generator; g.Enabled {
		if g.MinDelay <= 0 || g.MaxDelay < g.MinDelay {
			fail("sources generator: need 0 < min_delay <= max_delay")
		}
		if g.Probability < 0 || g.Probability > 1 {
			fail("sources generator: probability %v out of [0,1]", g.Probability)
		}
	}

	return errors.Join(errs...)
}
