package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"siem-correlator/internal/metrics"
	"siem-correlator/internal/queue"
	"siem-correlator/internal/schema"
)

// EventSink accepts decoded events. *queue.RingBuffer satisfies it.
type EventSink interface {
	Push(event *schema.Event) error
}

const (
	minPushBackoff = 10 * time.Millisecond
	maxPushBackoff = time.Second
)

// EventHandler decodes each message value as a JSON event and pushes it to
// sink. Undecodable or invalid events are counted and committed. A full
// sink is retried until ctx ends, leaving the message uncommitted.
func EventHandler(sink EventSink, validator *schema.Validator, m metrics.Sink, logger *slog.Logger) Handler {
	if m == nil {
		m = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, msg kafka.Message) error {
		now := time.Now()
		event, err := schema.DecodeEvent(msg.Value, now)
		if err == nil {
			err = validator.ValidateAt(event, now)
		}
		if err != nil {
			m.EventRejected(metrics.ReasonInvalid)
			logger.Debug("dropping kafka event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			return nil
		}
		return pushWithBackoff(ctx, sink, event, m)
	}
}

func pushWithBackoff(ctx context.Context, sink EventSink, event *schema.Event, m metrics.Sink) error {
	wait := minPushBackoff
	var timer *time.Timer
	for {
		err := sink.Push(event)
		if !errors.Is(err, queue.ErrQueueFull) {
			return err
		}

		if timer == nil {
			timer = time.NewTimer(wait)
			defer timer.Stop()
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			m.EventRejected(metrics.ReasonQueueFull)
			return err
		case <-timer.C:
		}
		wait = min(wait*2, maxPushBackoff)
	}
}
