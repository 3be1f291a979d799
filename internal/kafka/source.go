package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
)

// Handler processes one fetched message. Returning nil commits the
// message; an error stops the reader that fetched it without committing,
// so the group redelivers the message after a rebalance or restart.
type Handler func(ctx context.Context, msg kafka.Message) error

// ErrSourceStarted is returned by Start on a running Source.
var ErrSourceStarted = errors.New("kafka: source already started")

// SourceStats counts messages seen by a Source.
type SourceStats struct {
	Fetched   uint64
	Committed uint64
	Failed    uint64
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source runs Readers consumer-group readers against one topic.
type Source struct {
	cfg     *Config
	handler Handler
	logger  *slog.Logger
	readers []messageReader

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	fetched   atomic.Uint64
	committed atomic.Uint64
	failed    atomic.Uint64
}

// NewSource validates cfg and builds the readers. Nothing connects until
// Start.
func NewSource(cfg *Config, handler Handler, logger *slog.Logger) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Group == "" {
		return nil, errors.New("kafka: consumer group is required for a source")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer, err := cfg.dialer()
	if err != nil {
		return nil, err
	}

	s := &Source{cfg: cfg, handler: handler, logger: logger}
	for i := range cfg.Readers {
		s.readers = append(s.readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.Group,
			Topic:          cfg.Topic,
			Dialer:         dialer,
			MaxBytes:       cfg.MaxBytes,
			MaxWait:        cfg.MaxWait,
			StartOffset:    cfg.StartOffset,
			CommitInterval: 0,
			Logger:         kafkaLogger(logger.With("reader", i), slog.LevelDebug),
			ErrorLogger:    kafkaLogger(logger.With("reader", i), slog.LevelWarn),
		}))
	}
	return s, nil
}

// Start launches one goroutine per reader.
func (s *Source) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSourceStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for i, r := range s.readers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, i, r)
		}()
	}
	s.logger.Info("kafka source started",
		"topic", s.cfg.Topic,
		"group", s.cfg.Group,
		"readers", len(s.readers),
	)
	return nil
}

func (s *Source) run(ctx context.Context, id int, r messageReader) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("kafka fetch failed", "reader", id, "error", err)
			}
			return
		}
		s.fetched.Add(1)

		if err := s.handler(ctx, msg); err != nil {
			s.failed.Add(1)
			if ctx.Err() == nil {
				s.logger.Error("kafka reader stopping on handler error",
					"reader", id,
					"partition", msg.Partition,
					"offset", msg.Offset,
					"error", err,
				)
			}
			return
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("kafka commit failed", "reader", id, "offset", msg.Offset, "error", err)
			}
			continue
		}
		s.committed.Add(1)
	}
}

// Stop cancels the readers, waits for them and closes their connections.
func (s *Source) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	for i, r := range s.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reader %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns the message counters.
func (s *Source) Stats() SourceStats {
	return SourceStats{
		Fetched:   s.fetched.Load(),
		Committed: s.committed.Load(),
		Failed:    s.failed.Load(),
	}
}
