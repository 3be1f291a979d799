package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"siem-correlator/internal/alerting"
	"siem-correlator/internal/config"
	"siem-correlator/internal/correlation"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestConfigValidate(t *testing.T) {
	sasl := func(mech string) func(*Config) {
		return func(c *Config) {
			c.Security = Security{Protocol: ProtocolSASLSSL, Mechanism: mech, Username: "svc", Password: "pw"}
		}
	}
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"no brokers", func(c *Config) { c.Brokers = nil }, true},
		{"no topic", func(c *Config) { c.Topic = "" }, true},
		{"zero readers", func(c *Config) { c.Readers = 0 }, true},
		{"unknown protocol", func(c *Config) { c.Security.Protocol = "TLS" }, true},
		{"unknown compression", func(c *Config) { c.Compression = "brotli" }, true},
		{"no compression", func(c *Config) { c.Compression = "none" }, false},
		{"plain", sasl("PLAIN"), false},
		{"scram 256", sasl("SCRAM-SHA-256"), false},
		{"scram 512", sasl("SCRAM-SHA-512"), false},
		{"unknown mechanism", sasl("GSSAPI"), true},
		{
			name: "sasl without password",
			modify: func(c *Config) {
				c.Security = Security{Protocol: ProtocolSASLPlaintext, Mechanism: "PLAIN", Username: "svc"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Brokers = nil
	cfg.Topic = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, want := range []string{"broker", "topic"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() = %q, missing %q", err, want)
		}
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.KafkaConfig{
		Brokers:          []string{"k1:9092", "k2:9092"},
		Topic:            "events",
		ConsumerGroup:    "corr",
		Readers:          3,
		SecurityProtocol: "sasl_ssl",
		SASLMechanism:    "scram-sha-512",
		SASLUsername:     "svc",
		SASLPassword:     "pw",
	})

	if len(cfg.Brokers) != 2 || cfg.Topic != "events" || cfg.Group != "corr" || cfg.Readers != 3 {
		t.Errorf("FromSettings() = %+v", cfg)
	}
	if cfg.Security.Protocol != ProtocolSASLSSL || cfg.Security.Mechanism != "SCRAM-SHA-512" {
		t.Errorf("Security = %+v, want upper-cased protocol and mechanism", cfg.Security)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	d := FromSettings(config.KafkaConfig{})
	if d.Topic != DefaultConfig().Topic || d.Readers != 1 || d.Security.Protocol != ProtocolPlaintext {
		t.Errorf("empty settings should keep defaults, got %+v", d)
	}
}

func TestCompression(t *testing.T) {
	tests := []struct {
		name string
		want kafka.Compression
	}{
		{"gzip", kafka.Gzip},
		{"snappy", kafka.Snappy},
		{"lz4", kafka.Lz4},
		{"zstd", kafka.Zstd},
		{"none", 0},
		{"", 0},
	}
	for _, tt := range tests {
		cfg := &Config{Compression: tt.name}
		if got := cfg.compression(); got != tt.want {
			t.Errorf("compression(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestDialer(t *testing.T) {
	plainCfg := DefaultConfig()
	d, err := plainCfg.dialer()
	if err != nil {
		t.Fatalf("dialer() error = %v", err)
	}
	if d.Timeout != plainCfg.DialTimeout {
		t.Errorf("Timeout = %v, want %v", d.Timeout, plainCfg.DialTimeout)
	}
	if d.TLS != nil || d.SASLMechanism != nil {
		t.Error("plaintext dialer should carry no TLS or SASL")
	}

	secure := DefaultConfig()
	secure.Security = Security{Protocol: ProtocolSASLSSL, Mechanism: "SCRAM-SHA-256", Username: "svc", Password: "pw"}
	d, err = secure.dialer()
	if err != nil {
		t.Fatalf("dialer() error = %v", err)
	}
	if d.TLS == nil || d.TLS.MinVersion == 0 {
		t.Error("expected TLS config with a minimum version")
	}
	if d.SASLMechanism == nil || d.SASLMechanism.Name() != "SCRAM-SHA-256" {
		t.Errorf("SASLMechanism = %v, want SCRAM-SHA-256", d.SASLMechanism)
	}

	missingCA := DefaultConfig()
	missingCA.Security = Security{Protocol: ProtocolSSL, CAFile: "/nonexistent/ca.pem"}
	if _, err := missingCA.dialer(); err == nil {
		t.Error("dialer() with missing CA file should fail")
	}
}

// recordingSink captures pushed events and can simulate a full queue.
type recordingSink struct {
	mu     sync.Mutex
	events []*schema.Event
	full   int
}

func (s *recordingSink) Push(e *schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full > 0 {
		s.full--
		return queue.ErrQueueFull
	}
	s.events = append(s.events, e)
	return nil
}

func eventJSON(ts time.Time, msg string) []byte {
	return fmt.Appendf(nil, `{"timestamp":%q,"category":"network_activity","message":%q,"source_ip":"10.0.0.9"}`,
		ts.UTC().Format(time.RFC3339Nano), msg)
}

func TestEventHandler(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		value     []byte
		wantCount int
	}{
		{"valid event", eventJSON(now, "Port scan detected"), 1},
		{"invalid JSON dropped", []byte("{not json"), 0},
		{"missing category dropped", fmt.Appendf(nil, `{"timestamp":%q,"message":"x"}`, now.Format(time.RFC3339)), 0},
		{"stale event dropped", eventJSON(now.Add(-30*24*time.Hour), "old"), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			h := EventHandler(sink, schema.NewValidator(), nil, quiet)

			if err := h(context.Background(), kafka.Message{Value: tt.value}); err != nil {
				t.Fatalf("handler error = %v, want nil", err)
			}
			if len(sink.events) != tt.wantCount {
				t.Errorf("pushed %d events, want %d", len(sink.events), tt.wantCount)
			}
		})
	}
}

func TestEventHandlerRetriesFullQueue(t *testing.T) {
	sink := &recordingSink{full: 2}
	h := EventHandler(sink, schema.NewValidator(), nil, quiet)

	if err := h(context.Background(), kafka.Message{Value: eventJSON(time.Now(), "Port scan detected")}); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(sink.events) != 1 {
		t.Errorf("pushed %d events, want 1", len(sink.events))
	}
}

func TestEventHandlerGivesUpWhenContextEnds(t *testing.T) {
	sink := &recordingSink{full: 1 << 30}
	h := EventHandler(sink, schema.NewValidator(), nil, quiet)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h(ctx, kafka.Message{Value: eventJSON(time.Now(), "Port scan detected")})
	if !errors.Is(err, queue.ErrQueueFull) {
		t.Errorf("handler error = %v, want ErrQueueFull", err)
	}
}

// fakeReader serves msgs in order, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestSourceRunCommitsHandledMessages(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	var seen []int64
	s := &Source{
		cfg:    DefaultConfig(),
		logger: quiet,
		handler: func(ctx context.Context, msg kafka.Message) error {
			seen = append(seen, msg.Offset)
			return nil
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.run(ctx, 0, r)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for len(r.commits()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("commits = %v, want 3", r.commits())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got := s.Stats(); got.Fetched != 3 || got.Committed != 3 || got.Failed != 0 {
		t.Errorf("Stats() = %+v, want 3 fetched 3 committed", got)
	}
	if len(seen) != 3 {
		t.Errorf("handler saw %v, want 3 offsets", seen)
	}
}

func TestSourceRunStopsOnHandlerError(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	s := &Source{
		cfg:    DefaultConfig(),
		logger: quiet,
		handler: func(ctx context.Context, msg kafka.Message) error {
			if msg.Offset == 2 {
				return queue.ErrQueueClosed
			}
			return nil
		},
	}

	// run returns by itself once the handler fails
	s.run(context.Background(), 0, r)

	if got := r.commits(); len(got) != 1 || got[0] != 1 {
		t.Errorf("committed = %v, want [1]", got)
	}
	if got := s.Stats(); got.Fetched != 2 || got.Failed != 1 {
		t.Errorf("Stats() = %+v, want 2 fetched 1 failed", got)
	}
}

func TestSourceStartTwiceAndStop(t *testing.T) {
	r := &fakeReader{}
	s := &Source{
		cfg:     DefaultConfig(),
		logger:  quiet,
		handler: func(context.Context, kafka.Message) error { return nil },
		readers: []messageReader{r},
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrSourceStarted) {
		t.Errorf("second Start() = %v, want ErrSourceStarted", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if !r.closed {
		t.Error("reader not closed by Stop")
	}
}

func TestNewSourceRequiresGroup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Group = ""
	if _, err := NewSource(cfg, nil, quiet); err == nil {
		t.Error("NewSource() without a group should fail")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closes int
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closes++
	return nil
}

func TestPublisherSend(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "siem-alerts", quiet)

	if p.Name() != "kafka" {
		t.Errorf("Name() = %q, want kafka", p.Name())
	}

	alert := &alerting.Alert{
		ID:       uuid.New(),
		RuleID:   "network_scan",
		Severity: correlation.SeverityMedium,
		Message:  "Port scan detected",
	}
	if err := p.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages, want 1", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != "network_scan" {
		t.Errorf("Key = %q, want rule id", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["severity"] != string(correlation.SeverityMedium) || headers["rule_id"] != "network_scan" {
		t.Errorf("Headers = %v", headers)
	}

	var decoded alerting.Alert
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("value is not alert JSON: %v", err)
	}
	if decoded.ID != alert.ID || decoded.Message != alert.Message {
		t.Errorf("decoded = %+v, want %+v", decoded, alert)
	}
	if p.Sent() != 1 {
		t.Errorf("Sent() = %d, want 1", p.Sent())
	}
}

func TestPublisherWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newPublisher(&fakeWriter{err: boom}, "siem-alerts", quiet)

	err := p.Send(context.Background(), &alerting.Alert{RuleID: "r"})
	if !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want wrapped write error", err)
	}
	if p.Sent() != 0 {
		t.Errorf("Sent() = %d, want 0", p.Sent())
	}
}

func TestPublisherClose(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "siem-alerts", quiet)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if w.closes != 1 {
		t.Errorf("writer closed %d times, want 1", w.closes)
	}
	if err := p.Send(context.Background(), &alerting.Alert{RuleID: "r"}); !errors.Is(err, ErrPublisherClosed) {
		t.Errorf("Send() after Close = %v, want ErrPublisherClosed", err)
	}
}

func TestRoundTripIntegration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}

	cfg := DefaultConfig()
	cfg.Brokers = []string{brokers}
	cfg.Topic = "siem-test-" + time.Now().Format("20060102150405")
	cfg.Group = cfg.Topic
	cfg.StartOffset = kafka.FirstOffset

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	w := &kafka.Writer{Addr: kafka.TCP(brokers), Topic: cfg.Topic, AllowAutoTopicCreation: true}
	defer w.Close()
	if err := w.WriteMessages(ctx, kafka.Message{Value: eventJSON(time.Now(), "Port scan detected")}); err != nil {
		t.Fatalf("WriteMessages() error = %v", err)
	}

	q := queue.NewRingBuffer(10)
	src, err := NewSource(cfg, EventHandler(q, schema.NewValidator(), nil, nil), nil)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if err := src.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer src.Stop()

	event, err := q.PopContext(ctx)
	if err != nil {
		t.Fatalf("no event consumed: %v", err)
	}
	if event.Message != "Port scan detected" {
		t.Errorf("Message = %q", event.Message)
	}
}
