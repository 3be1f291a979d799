package config

import "time"

// DefaultConfig is a runnable single-node setup: HTTP and TCP intake,
// builtin rules and log notifications. Every broker and store is off.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 << 20,
			TCP: TCPConfig{
				Enabled:        true,
				Address:        ":5515",
				MaxConnections: 1000,
				IdleTimeout:    5 * time.Minute,
				MaxLineLength:  65535,
			},
		},
		Queue: QueueConfig{
			Size:           100000,
			OverflowPolicy: "reject",
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			ShutdownWait: 30 * time.Second,
		},
		Engine: EngineConfig{
			BuiltinRules:     true,
			MaxWindowEntries: 100000,
			SweepInterval:    30 * time.Second,
			RegexTimeout:     100 * time.Millisecond,
			MatcherCacheSize: 1024,
			DispatchBuffer:   1000,
		},
		Alerts: AlertsConfig{
			MaxAlerts:       10000,
			RetentionPeriod: 30 * 24 * time.Hour,
			CleanupInterval: time.Hour,
			Delivery: DeliveryConfig{
				MaxRetries:     5,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				RetryTimeout:   10 * time.Second,
				MaxDeadLetters: 1000,
			},
		},
		Notify: NotifyConfig{
			Log: true,
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Channel: "siem:alerts",
				ListKey: "siem:alerts:recent",
				ListMax: 1000,
			},
			Kafka: KafkaConfig{
				Brokers:          []string{"localhost:9092"},
				Topic:            "siem-alerts",
				SecurityProtocol: "PLAINTEXT",
			},
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "siem",
				Username:        "default",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				DialTimeout:     10 * time.Second,
				BatchSize:       1000,
				FlushInterval:   5 * time.Second,
				MaxRetries:      3,
				RetryDelay:      time.Second,
			},
		},
		Sources: SourcesConfig{
			Kafka: KafkaConfig{
				Brokers:          []string{"localhost:9092"},
				Topic:            "siem-events",
				ConsumerGroup:    "siem-correlator",
				Readers:          1,
				SecurityProtocol: "PLAINTEXT",
			},
			NATS: NATSConfig{
				URL:        "nats://localhost:4222",
				Subject:    "siem.events",
				QueueGroup: "siem-correlator",
			},
			Generator: GeneratorConfig{
				MinDelay:    2 * time.Second,
				MaxDelay:    8 * time.Second,
				Probability: 0.4,
			},
		},
	}
}
