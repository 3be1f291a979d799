// Package main is the entry point for the SIEM correlation service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"siem-correlator/internal/alerting"
	"siem-correlator/internal/config"
	"siem-correlator/internal/consumer"
	"siem-correlator/internal/correlation"
	"siem-correlator/internal/engine"
	"siem-correlator/internal/generator"
	"siem-correlator/internal/ingest"
	"siem-correlator/internal/kafka"
	"siem-correlator/internal/logging"
	"siem-correlator/internal/metrics"
	"siem-correlator/internal/middleware"
	"siem-correlator/internal/natsource"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
	"siem-correlator/internal/secrets"
	"siem-correlator/internal/startup"
)

func main() {
	check := flag.Bool("check", false, "run startup diagnostics and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := secrets.NewResolver(nil).ResolveConfig(context.Background(), cfg); err != nil {
		slog.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	handler, err := logging.NewHandler(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("invalid logging config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(handler))

	if *check {
		diag := startup.NewDiagnostics(cfg, slog.Default()).WithPortChecks()
		diag.RunAll(context.Background())
		if diag.HasErrors() {
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("siem-correlator exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := slog.Default()

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"overflow_policy", cfg.Queue.OverflowPolicy,
		"rules_path", cfg.Engine.RulesPath,
		"auth_enabled", cfg.Auth.Enabled,
		"api_keys", maskedKeys(cfg.Auth.APIKeys),
		"rate_limit_enabled", cfg.RateLimit.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startup.NewDiagnostics(cfg, logger).RunAll(ctx)

	clock := correlation.SystemClock{}
	sink := metrics.NewPrometheus("siem")

	// Rules
	ruleLoader := func() ([]correlation.Rule, error) {
		return loadRules(cfg.Engine)
	}
	rules, err := ruleLoader()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	registry, err := correlation.LoadRegistry(rules, correlation.RegistryConfig{
		MatcherCacheSize: cfg.Engine.MatcherCacheSize,
		RegexTimeout:     cfg.Engine.RegexTimeout,
		Clock:            clock,
	})
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	slog.Info("rules loaded", "count", len(rules))

	// Alert sink and notification
	alerts := alerting.NewManager(alerting.ManagerConfig{
		MaxAlerts:       cfg.Alerts.MaxAlerts,
		RetentionPeriod: cfg.Alerts.RetentionPeriod,
	}, clock)

	notify, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer notify.Close()

	// Core
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})
	store := correlation.NewWindowStore(correlation.WindowStoreConfig{
		MaxEntriesPerRule: cfg.Engine.MaxWindowEntries,
	})

	deps := engine.Deps{
		Registry:   registry,
		Store:      store,
		Alerts:     alerts,
		Validator:  validator,
		Clock:      clock,
		Metrics:    sink,
		RuleLoader: ruleLoader,
	}
	if notify.dispatcher != nil {
		deps.Notifier = notify.dispatcher
	}
	eng := engine.New(engine.Config{
		SweepInterval:        cfg.Engine.SweepInterval,
		AlertCleanupInterval: cfg.Alerts.CleanupInterval,
		DispatchBuffer:       cfg.Engine.DispatchBuffer,
	}, deps)
	eng.Start(context.Background())

	// Intake queue and workers
	policy, err := queue.ParseOverflowPolicy(cfg.Queue.OverflowPolicy)
	if err != nil {
		return err
	}
	eventQueue := queue.NewRingBufferWithPolicy(cfg.Queue.Size, policy)

	if err := registerGauges(sink, eventQueue, alerts, store); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	queueConsumer := consumer.New(eventQueue, eng, consumer.Config{
		Workers:      cfg.Consumer.Workers,
		ShutdownWait: cfg.Consumer.ShutdownWait,
	})
	queueConsumer.Start(context.Background())

	// HTTP API
	mux := http.NewServeMux()
	ingest.NewHandler(validator, eventQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithMetrics(sink, sink.Handler()).
		RegisterRoutes(mux)
	alerting.NewHandler(eng).RegisterRoutes(mux)
	if notify.dispatcher != nil {
		alerting.NewDeliveryHandler(notify.dispatcher).RegisterRoutes(mux)
	}
	correlation.NewRuleHandler(eng).RegisterRoutes(mux)
	engine.NewDashboardHandler(eng).RegisterRoutes(mux)

	var h http.Handler = mux
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit, logger)
		defer limiter.Stop()
		h = limiter.Wrap(h)
	}
	h = ingest.WithMiddleware(h, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting http server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Event sources
	sources, err := startSources(ctx, cfg, validator, eventQueue, sink, logger)
	if err != nil {
		server.Close()
		queueConsumer.Stop()
		eng.Stop()
		return err
	}

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-serverErr:
		slog.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Sources first so nothing new is queued, then drain the queue through
	// the engine, then flush notifications.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	sources.stop()
	queueConsumer.Stop()
	eng.Stop()
	notify.Close()

	qm := eventQueue.Metrics()
	cm := queueConsumer.Metrics()
	slog.Info("shutdown complete",
		"events_pushed", qm.Pushed,
		"events_dropped", qm.Dropped,
		"events_consumed", cm.Consumed,
		"alerts_created", cm.Alerts,
	)
	return nil
}

// loadRules reads the configured rule file or directory and, when enabled,
// adds the built-in rules whose IDs the file does not define.
func loadRules(cfg config.EngineConfig) ([]correlation.Rule, error) {
	var rules []correlation.Rule
	if cfg.RulesPath != "" {
		loaded, err := correlation.LoadRulesPath(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}

	if cfg.BuiltinRules {
		defined := make(map[string]bool, len(rules))
		for _, r := range rules {
			defined[r.ID] = true
		}
		for _, r := range correlation.BuiltinRules() {
			if !defined[r.ID] {
				rules = append(rules, r)
			}
		}
	}
	return rules, nil
}

func registerGauges(sink *metrics.Prometheus, q *queue.RingBuffer, alerts *alerting.Manager, store *correlation.WindowStore) error {
	return sink.Register(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "siem",
			Name:      "queue_depth",
			Help:      "Events waiting in the intake queue.",
		}, func() float64 { return float64(q.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "siem",
			Name:      "queue_capacity",
			Help:      "Capacity of the intake queue.",
		}, func() float64 { return float64(q.Cap()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "siem",
			Name:      "alerts_stored",
			Help:      "Alerts currently held by the alert sink.",
		}, func() float64 { return float64(alerts.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "siem",
			Name:      "window_entries",
			Help:      "Timestamps held across all rule windows.",
		}, func() float64 { return float64(store.Entries()) }),
	)
}

func maskedKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = logging.MaskAPIKey(k)
	}
	return out
}

// sourceSet holds the running event sources.
type sourceSet struct {
	tcp       *ingest.TCPServer
	kafka     *kafka.Source
	nats      *natsource.Subscriber
	genCancel context.CancelFunc
	genDone   sync.WaitGroup
}

func startSources(ctx context.Context, cfg *config.Config, validator *schema.Validator, q *queue.RingBuffer, sink metrics.Sink, logger *slog.Logger) (*sourceSet, error) {
	s := &sourceSet{}

	if cfg.Ingest.TCP.Enabled {
		s.tcp = ingest.NewTCPServer(ingest.TCPConfigFrom(cfg.Ingest.TCP), validator, q, sink)
		if err := s.tcp.Start(ctx); err != nil {
			s.stop()
			return nil, fmt.Errorf("start tcp server: %w", err)
		}
	}

	if cfg.Sources.Kafka.Enabled {
		src, err := kafka.NewSource(
			kafka.FromSettings(cfg.Sources.Kafka),
			kafka.EventHandler(q, validator, sink, logger),
			logger.With("component", "kafka-source"),
		)
		if err != nil {
			s.stop()
			return nil, fmt.Errorf("create kafka source: %w", err)
		}
		if err := src.Start(); err != nil {
			s.stop()
			return nil, fmt.Errorf("start kafka source: %w", err)
		}
		s.kafka = src
	}

	if cfg.Sources.NATS.Enabled {
		sub := natsource.New(cfg.Sources.NATS, q, validator, sink, logger)
		if err := sub.Start(); err != nil {
			s.stop()
			return nil, fmt.Errorf("start nats source: %w", err)
		}
		s.nats = sub
	}

	if cfg.Sources.Generator.Enabled {
		gen, err := generator.New(cfg.Sources.Generator, q, logger)
		if err != nil {
			s.stop()
			return nil, err
		}
		genCtx, cancel := context.WithCancel(ctx)
		s.genCancel = cancel
		s.genDone.Add(1)
		go func() {
			defer s.genDone.Done()
			gen.Run(genCtx)
			slog.Info("generator stopped", "generated", gen.Stats().Generated)
		}()
	}

	return s, nil
}

func (s *sourceSet) stop() {
	if s.tcp != nil {
		s.tcp.Stop()
	}
	if s.kafka != nil {
		if err := s.kafka.Stop(); err != nil {
			slog.Error("kafka source stop error", "error", err)
		}
	}
	if s.nats != nil {
		if err := s.nats.Stop(); err != nil {
			slog.Error("nats source stop error", "error", err)
		}
	}
	if s.genCancel != nil {
		s.genCancel()
		s.genDone.Wait()
	}
}
