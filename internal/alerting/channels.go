package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"siem-correlator/internal/config"
	"siem-correlator/internal/correlation"
)

// StatusError is returned by a webhook that answered outside 2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned %d: %s", e.Code, e.Body)
}

// WebhookChannel POSTs each alert as JSON.
type WebhookChannel struct {
	name    string
	url     string
	headers http.Header
	client  *http.Client
}

func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	h := make(http.Header, len(headers)+1)
	for k, v := range headers {
		h.Set(k, v)
	}
	h.Set("Content-Type", "application/json")
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: h,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return w.name }

func (w *WebhookChannel) Send(ctx context.Context, alert *Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	req.Header = w.headers.Clone()

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// LogChannel writes alerts to a logger. Critical alerts log at error level,
// the rest at warn.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel uses slog.Default() when logger is nil.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, alert *Alert) error {
	level := slog.LevelWarn
	if alert.Severity == correlation.SeverityCritical {
		level = slog.LevelError
	}
	l.logger.LogAttrs(ctx, level, "ALERT",
		slog.String("alert_id", alert.ID.String()),
		slog.String("rule_id", alert.RuleID),
		slog.String("severity", string(alert.Severity)),
		slog.String("description", alert.Description),
		slog.Int("match_count", alert.MatchCount),
		slog.Group("source",
			slog.String("ip", alert.SourceIP),
			slog.String("agent_id", alert.AgentID),
			slog.String("user", alert.User),
		),
	)
	return nil
}

// RedisConfig configures RedisChannel. An empty Channel publishes on
// "siem:alerts"; an empty ListKey disables the recent-alerts list.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Channel      string
	ListKey      string
	ListMax      int64
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	TLSEnabled   bool
}

// RedisConfigFrom maps the notify.redis settings.
func RedisConfigFrom(c config.RedisConfig) RedisConfig {
	return RedisConfig{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		Channel:      c.Channel,
		ListKey:      c.ListKey,
		ListMax:      c.ListMax,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		TLSEnabled:   c.TLSEnabled,
	}
}

// RedisChannel publishes each alert and, when a list key is set, pushes
// it onto a capped list so late subscribers can catch up.
type RedisChannel struct {
	rdb     *redis.Client
	channel string
	listKey string
	listMax int64
}

// NewRedisChannel connects lazily. Call Ping to check reachability.
func NewRedisChannel(cfg RedisConfig) *RedisChannel {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	channel := cfg.Channel
	if channel == "" {
		channel = "siem:alerts"
	}
	return &RedisChannel{
		rdb:     redis.NewClient(opts),
		channel: channel,
		listKey: cfg.ListKey,
		listMax: cfg.ListMax,
	}
}

func (r *RedisChannel) Name() string { return "redis" }

func (r *RedisChannel) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", alert.ID, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Publish(ctx, r.channel, payload)
	if r.listKey != "" {
		pipe.LPush(ctx, r.listKey, payload)
		if r.listMax > 0 {
			pipe.LTrim(ctx, r.listKey, 0, r.listMax-1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish to %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisChannel) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisChannel) Close() error {
	return r.rdb.Close()
}
