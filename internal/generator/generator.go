// Package generator produces synthetic security events for demos and soak
// testing. It is an ordinary event source: events go through the intake
// queue like any other.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"siem-correlator/internal/config"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
)

// Catalogue lists the messages emitted per category.
var Catalogue = map[schema.Category][]string{
	schema.CategoryAuthentication: {
		"User login successful: admin",
		"Failed login attempt: unknown_user",
		"Password change requested: user123",
		"Account locked: suspicious_user",
		"Multi-factor authentication enabled",
	},
	schema.CategoryFileAccess: {
		"File accessed: /etc/passwd",
		"File modified: /var/log/auth.log",
		"File deleted: /tmp/temp_file",
		"Permission denied: /root/config",
		"File integrity check passed",
	},
	schema.CategoryNetworkActivity: {
		"Connection established: 192.168.1.100",
		"Port scan detected from 10.0.0.50",
		"DNS query: google.com",
		"Firewall rule triggered",
		"VPN connection established",
	},
	schema.CategorySystemEvent: {
		"System reboot initiated",
		"Service started: sshd",
		"Service stopped: apache2",
		"Disk space warning: 85% used",
		"Memory usage high: 90%",
	},
	schema.CategoryApplicationLog: {
		"Database connection established",
		"API request processed",
		"Error 404: Page not found",
		"SSL certificate renewed",
		"Backup completed successfully",
	},
}

var (
	users  = []string{"admin", "user123", "system", "unknown"}
	levels = []schema.Level{schema.LevelInfo, schema.LevelWarning, schema.LevelError, schema.LevelCritical}
)

const agentCount = 10

// EventSink accepts generated events.
type EventSink interface {
	Push(event *schema.Event) error
}

// Stats counts generator activity.
type Stats struct {
	Ticks     uint64 `json:"ticks"`
	Generated uint64 `json:"generated"`
	Dropped   uint64 `json:"dropped"`
}

// Generator emits one event with probability cfg.Probability after each
// random delay in [cfg.MinDelay, cfg.MaxDelay].
type Generator struct {
	cfg    config.GeneratorConfig
	sink   EventSink
	logger *slog.Logger
	rng    *rand.Rand
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	ticks     atomic.Uint64
	generated atomic.Uint64
	dropped   atomic.Uint64
}

// Option customizes a Generator.
type Option func(*Generator)

// WithRand sets the random source.
func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rng = r }
}

// WithNow sets the timestamp source.
func WithNow(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithSleep replaces the delay between ticks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Generator) { g.sleep = sleep }
}

// New creates a generator writing to sink.
func New(cfg config.GeneratorConfig, sink EventSink, logger *slog.Logger, opts ...Option) (*Generator, error) {
	if cfg.MinDelay <= 0 || cfg.MaxDelay < cfg.MinDelay {
		return nil, fmt.Errorf("generator: invalid delay range [%v, %v]", cfg.MinDelay, cfg.MaxDelay)
	}
	if cfg.Probability < 0 || cfg.Probability > 1 {
		return nil, fmt.Errorf("generator: probability %v outside [0, 1]", cfg.Probability)
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Generator{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With("component", "generator"),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run generates events until ctx is cancelled or the sink is closed.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info("generator started",
		"min_delay", g.cfg.MinDelay,
		"max_delay", g.cfg.MaxDelay,
		"probability", g.cfg.Probability,
	)

	for {
		if err := g.sleep(ctx, g.nextDelay()); err != nil {
			return err
		}
		g.ticks.Add(1)

		if g.rng.Float64() >= g.cfg.Probability {
			continue
		}

		event := g.Next()
		if err := g.sink.Push(event); err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return err
			}
			g.dropped.Add(1)
			g.logger.Warn("generated event dropped", "error", err)
			continue
		}
		g.generated.Add(1)
	}
}

func (g *Generator) nextDelay() time.Duration {
	span := g.cfg.MaxDelay - g.cfg.MinDelay
	if span <= 0 {
		return g.cfg.MinDelay
	}
	return g.cfg.MinDelay + time.Duration(g.rng.Int64N(int64(span)+1))
}

// Next builds one random event.
func (g *Generator) Next() *schema.Event {
	category := schema.Categories[g.rng.IntN(len(schema.Categories))]
	messages := Catalogue[category]
	now := g.now().UTC()

	return &schema.Event{
		ID:        uuid.New(),
		Timestamp: now,
		Category:  category,
		Message:   messages[g.rng.IntN(len(messages))],
		SourceIP: fmt.Sprintf("%d.%d.%d.%d",
			g.rng.IntN(255)+1, g.rng.IntN(255)+1, g.rng.IntN(255)+1, g.rng.IntN(255)+1),
		AgentID:    fmt.Sprintf("agent_%d", g.rng.IntN(agentCount)+1),
		User:       users[g.rng.IntN(len(users))],
		Level:      levels[g.rng.IntN(len(levels))],
		ReceivedAt: now,
	}
}

// Stats returns generator counters.
func (g *Generator) Stats() Stats {
	return Stats{
		Ticks:     g.ticks.Load(),
		Generated: g.generated.Load(),
		Dropped:   g.dropped.Load(),
	}
}
