package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// envBinding sets one field from an environment variable.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"SIEM_HTTP_PORT", func(c *Config, v string) error { return parseInt(v, &c.Server.HTTPPort) }},
	{"SIEM_LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"SIEM_API_KEY", func(c *Config, v string) error {
		c.Auth.APIKeys = append(c.Auth.APIKeys, v)
		c.Auth.Enabled = true
		return nil
	}},
	{"SIEM_RULES_PATH", func(c *Config, v string) error { c.Engine.RulesPath = v; return nil }},
	{"SIEM_RATELIMIT_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.RateLimit.Enabled) }},
	{"SIEM_RATELIMIT_RPS", func(c *Config, v string) error { return parseInt(v, &c.RateLimit.RequestsPerIP) }},
	{"SIEM_RATELIMIT_BURST", func(c *Config, v string) error { return parseInt(v, &c.RateLimit.BurstSize) }},
	{"SIEM_GENERATOR_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Sources.Generator.Enabled) }},
	{"KAFKA_BROKERS", func(c *Config, v string) error {
		c.Sources.Kafka.Brokers = splitList(v)
		c.Notify.Kafka.Brokers = splitList(v)
		return nil
	}},
	{"NATS_URL", func(c *Config, v string) error { c.Sources.NATS.URL = v; return nil }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Notify.Redis.Addr = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Notify.Redis.Password = v; return nil }},
	{"CLICKHOUSE_HOST", func(c *Config, v string) error { c.Notify.ClickHouse.Hosts = splitList(v); return nil }},
	{"CLICKHOUSE_DATABASE", func(c *Config, v string) error { c.Notify.ClickHouse.Database = v; return nil }},
	{"CLICKHOUSE_USER", func(c *Config, v string) error { c.Notify.ClickHouse.Username = v; return nil }},
	{"CLICKHOUSE_PASSWORD", func(c *Config, v string) error { c.Notify.ClickHouse.Password = v; return nil }},
}

// applyEnv overlays every bound variable that lookup reports as set and
// non-empty. Unparseable values are collected rather than ignored.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", b.name, err))
		}
	}
	return errors.Join(errs...)
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseBool(v string, dst *bool) error {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

// splitList splits a comma-separated value, dropping blank entries.
func splitList(s string) []string {
	out := []string{}
	for part := range strings.SplitSeq(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
