// Package kafka reads events from a Kafka topic into the intake queue and
// publishes alerts to an alert topic.
package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"siem-correlator/internal/config"
)

// Security protocols, as named by Kafka clients.
const (
	ProtocolPlaintext     = "PLAINTEXT"
	ProtocolSSL           = "SSL"
	ProtocolSASLPlaintext = "SASL_PLAINTEXT"
	ProtocolSASLSSL       = "SASL_SSL"
)

// Security selects transport encryption and authentication.
type Security struct {
	Protocol   string
	Mechanism  string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username   string
	Password   string
	CAFile     string
	CertFile   string
	KeyFile    string
	SkipVerify bool
}

func (s Security) usesTLS() bool {
	return s.Protocol == ProtocolSSL || s.Protocol == ProtocolSASLSSL
}

func (s Security) usesSASL() bool {
	return s.Protocol == ProtocolSASLPlaintext || s.Protocol == ProtocolSASLSSL
}

// Config describes one topic and how to reach it. The same type serves the
// event source (Group, Readers, StartOffset) and the alert publisher
// (Compression, BatchTimeout, RequiredAcks, MaxAttempts).
type Config struct {
	Brokers  []string
	Topic    string
	Security Security

	Group       string
	Readers     int
	StartOffset int64 // kafka.FirstOffset or kafka.LastOffset
	MaxWait     time.Duration
	MaxBytes    int

	Compression  string // none, gzip, snappy, lz4, zstd
	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
	MaxAttempts  int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the settings used when the service config is silent.
func DefaultConfig() *Config {
	return &Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "siem-events",
		Security:     Security{Protocol: ProtocolPlaintext},
		Group:        "siem-correlator",
		Readers:      1,
		StartOffset:  kafka.LastOffset,
		MaxWait:      500 * time.Millisecond,
		MaxBytes:     10 << 20,
		Compression:  "lz4",
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		DialTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// FromSettings overlays the service configuration on the defaults.
func FromSettings(s config.KafkaConfig) *Config {
	c := DefaultConfig()
	if len(s.Brokers) > 0 {
		c.Brokers = slices.Clone(s.Brokers)
	}
	if s.Topic != "" {
		c.Topic = s.Topic
	}
	if s.ConsumerGroup != "" {
		c.Group = s.ConsumerGroup
	}
	if s.Readers > 0 {
		c.Readers = s.Readers
	}
	if s.SecurityProtocol != "" {
		c.Security.Protocol = strings.ToUpper(s.SecurityProtocol)
	}
	c.Security.Mechanism = strings.ToUpper(s.SASLMechanism)
	c.Security.Username = s.SASLUsername
	c.Security.Password = s.SASLPassword
	c.Security.SkipVerify = s.TLSSkipVerify
	return c
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("at least one broker is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if c.Readers < 1 {
		errs = append(errs, errors.New("readers must be at least 1"))
	}

	switch c.Security.Protocol {
	case ProtocolPlaintext, ProtocolSSL, ProtocolSASLPlaintext, ProtocolSASLSSL:
	default:
		errs = append(errs, fmt.Errorf("unknown security protocol %q", c.Security.Protocol))
	}
	if c.Security.usesSASL() {
		if _, err := c.Security.mechanism(); err != nil {
			errs = append(errs, err)
		}
	}

	if _, ok := compressionCodecs[c.Compression]; !ok && c.Compression != "" && c.Compression != "none" {
		errs = append(errs, fmt.Errorf("unknown compression %q", c.Compression))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kafka: %w", err)
	}
	return nil
}

var compressionCodecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// compression returns the codec for c.Compression; zero means none.
func (c *Config) compression() kafka.Compression {
	return compressionCodecs[c.Compression]
}

// dialer builds a kafka.Dialer carrying the configured TLS and SASL.
func (c *Config) dialer() (*kafka.Dialer, error) {
	d := &kafka.Dialer{Timeout: c.DialTimeout, DualStack: true}

	if c.Security.usesTLS() {
		tlsCfg, err := c.Security.tlsConfig()
		if err != nil {
			return nil, fmt.Errorf("kafka: tls: %w", err)
		}
		d.TLS = tlsCfg
	}
	if c.Security.usesSASL() {
		m, err := c.Security.mechanism()
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		d.SASLMechanism = m
	}
	return d, nil
}

func (s Security) tlsConfig() (*tls.Config, error) {
	if s.SkipVerify {
		slog.Warn("kafka TLS certificate verification is disabled")
	}
	cfg := &tls.Config{
		InsecureSkipVerify: s.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("no certificates in CA file")
		}
		cfg.RootCAs = pool
	}

	if s.CertFile != "" && s.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (s Security) mechanism() (sasl.Mechanism, error) {
	if s.Username == "" || s.Password == "" {
		return nil, errors.New("SASL requires username and password")
	}
	switch s.Mechanism {
	case "PLAIN":
		return plain.Mechanism{Username: s.Username, Password: s.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, s.Username, s.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, s.Username, s.Password)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", s.Mechanism)
	}
}

// kafkaLogger adapts slog to kafka-go's logger hooks.
func kafkaLogger(logger *slog.Logger, level slog.Level) kafka.LoggerFunc {
	return func(msg string, args ...interface{}) {
		logger.Log(context.Background(), level, fmt.Sprintf(msg, args...))
	}
}
