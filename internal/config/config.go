// Package config loads the correlator configuration from YAML, overlays
// environment variables and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when SIEM_CONFIG_PATH is unset.
const DefaultPath = "configs/config.yaml"

// Load reads the file named by SIEM_CONFIG_PATH, or DefaultPath.
func Load() (*Config, error) {
	path, ok := os.LookupEnv("SIEM_CONFIG_PATH")
	if !ok || path == "" {
		path = DefaultPath
	}
	return LoadFile(path)
}

// LoadFile overlays the YAML at path and then the environment onto
// DefaultConfig. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Config is the full service configuration. Sections map one to one onto
// the top-level keys of the YAML file.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Queue      QueueConfig      `yaml:"queue"`
	Validation ValidationConfig `yaml:"validation"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Logging    LoggingConfig    `yaml:"logging"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Engine     EngineConfig     `yaml:"engine"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Notify     NotifyConfig     `yaml:"notify"`
	Sources    SourcesConfig    `yaml:"sources"`
}

type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type IngestConfig struct {
	MaxBatchSize   int       `yaml:"max_batch_size"`
	MaxPayloadSize int       `yaml:"max_payload_size"`
	TCP            TCPConfig `yaml:"tcp"`
}

// TCPConfig is the newline-delimited JSON listener.
type TCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

type QueueConfig struct {
	Size           int    `yaml:"size"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig bounds requests per client IP. RequestsPerIP is the
// allowance for one WindowSize.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

type EngineConfig struct {
	RulesPath        string        `yaml:"rules_path"`
	BuiltinRules     bool          `yaml:"builtin_rules"`
	MaxWindowEntries int           `yaml:"max_window_entries"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	RegexTimeout     time.Duration `yaml:"regex_timeout"`
	MatcherCacheSize int           `yaml:"matcher_cache_size"`
	DispatchBuffer   int           `yaml:"dispatch_buffer"`
}

// AlertsConfig bounds the in-memory alert store.
type AlertsConfig struct {
	MaxAlerts       int            `yaml:"max_alerts"`
	RetentionPeriod time.Duration  `yaml:"retention_period"`
	CleanupInterval time.Duration  `yaml:"cleanup_interval"`
	Delivery        DeliveryConfig `yaml:"delivery"`
}

// DeliveryConfig drives notification retries and the dead-letter list.
type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	RetryTimeout   time.Duration `yaml:"retry_timeout"`
	MaxDeadLetters int           `yaml:"max_dead_letters"`
}

// NotifyConfig lists the alert notification channels.
type NotifyConfig struct {
	Log        bool             `yaml:"log"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

type WebhookConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// RedisConfig configures the Redis pub/sub channel.
type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Channel    string `yaml:"channel"`
	ListKey    string `yaml:"list_key"`
	ListMax    int64  `yaml:"list_max"`
	TLSEnabled bool   `yaml:"tls_enabled"`
}

// KafkaConfig holds broker settings shared by the Kafka source and the
// Kafka alert channel.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	ConsumerGroup    string   `yaml:"consumer_group"`
	Readers          int      `yaml:"readers"`
	SecurityProtocol string   `yaml:"security_protocol"`
	SASLMechanism    string   `yaml:"sasl_mechanism"`
	SASLUsername     string   `yaml:"sasl_username"`
	SASLPassword     string   `yaml:"sasl_password"`
	TLSSkipVerify    bool     `yaml:"tls_skip_verify"`
}

// ClickHouseConfig holds ClickHouse connection and batching settings for
// the alert archive.
type ClickHouseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
}

// SourcesConfig lists the event sources besides HTTP and TCP intake.
type SourcesConfig struct {
	Kafka     KafkaConfig     `yaml:"kafka"`
	NATS      NATSConfig      `yaml:"nats"`
	Generator GeneratorConfig `yaml:"generator"`
}

type NATSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
	Token      string `yaml:"token"`
}

type GeneratorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Probability float64       `yaml:"probability"`
}
