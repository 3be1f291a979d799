// Package queue provides the bounded buffer between event sources and the
// correlation engine.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"siem-correlator/internal/schema"
)

var (
	ErrQueueFull   = errors.New("queue is full")
	ErrQueueEmpty  = errors.New("queue is empty")
	ErrQueueClosed = errors.New("queue is closed")
)

// OverflowPolicy decides what a push into a full queue does.
type OverflowPolicy string

const (
	// OverflowReject refuses the new event with ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
	// OverflowDropOldest discards the oldest queued event to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy converts a configuration string to a policy.
// An empty string selects OverflowReject.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case "":
		return OverflowReject, nil
	case OverflowReject, OverflowDropOldest:
		return p, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}

// RingBuffer is a fixed-capacity FIFO of events, safe for concurrent use.
// Pushes never block; pops may wait on a condition variable.
type RingBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	slots  []*schema.Event
	start  int // index of the oldest event
	n      int
	closed bool
	policy OverflowPolicy

	pushed, popped, dropped, evicted atomic.Uint64
}

const defaultCapacity = 10000

// NewRingBuffer returns a queue that rejects pushes when full.
func NewRingBuffer(size int) *RingBuffer {
	return NewRingBufferWithPolicy(size, OverflowReject)
}

// NewRingBufferWithPolicy uses defaultCapacity for a non-positive size.
func NewRingBufferWithPolicy(size int, policy OverflowPolicy) *RingBuffer {
	if size <= 0 {
		size = defaultCapacity
	}
	rb := &RingBuffer{
		slots:  make([]*schema.Event, size),
		policy: cmp.Or(policy, OverflowReject),
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push appends event. On a full queue it returns ErrQueueFull, or under
// OverflowDropOldest evicts the head first.
func (rb *RingBuffer) Push(event *schema.Event) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	switch {
	case rb.closed:
		return ErrQueueClosed
	case rb.n < len(rb.slots):
	case rb.policy == OverflowDropOldest:
		rb.take()
		rb.evicted.Add(1)
	default:
		rb.dropped.Add(1)
		return ErrQueueFull
	}

	rb.slots[(rb.start+rb.n)%len(rb.slots)] = event
	rb.n++
	rb.pushed.Add(1)
	rb.cond.Signal()
	return nil
}

// take removes the head. Callers hold rb.mu and ensure n > 0.
func (rb *RingBuffer) take() *schema.Event {
	event := rb.slots[rb.start]
	rb.slots[rb.start] = nil
	rb.start = (rb.start + 1) % len(rb.slots)
	rb.n--
	return event
}

// Pop removes the oldest event without waiting.
func (rb *RingBuffer) Pop() (*schema.Event, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	switch {
	case rb.n > 0:
		rb.popped.Add(1)
		return rb.take(), nil
	case rb.closed:
		return nil, ErrQueueClosed
	default:
		return nil, ErrQueueEmpty
	}
}

// PopContext blocks until an event is available, the queue is closed and
// drained, or ctx is done. A done ctx wins over queued events.
func (rb *RingBuffer) PopContext(ctx context.Context) (*schema.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.n == 0 && !rb.closed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rb.cond.Wait()
	}

	if rb.n == 0 {
		return nil, ErrQueueClosed
	}
	rb.popped.Add(1)
	return rb.take(), nil
}

// PopWithTimeout is PopContext with a deadline; expiry reports ErrQueueEmpty.
func (rb *RingBuffer) PopWithTimeout(timeout time.Duration) (*schema.Event, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	event, err := rb.PopContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrQueueEmpty
	}
	return event, err
}

func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.n
}

func (rb *RingBuffer) Cap() int { return len(rb.slots) }

// Close refuses further pushes and wakes waiting consumers. Queued events
// remain poppable.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.pushed.Load(),
		Popped:   rb.popped.Load(),
		Dropped:  rb.dropped.Load(),
		Evicted:  rb.evicted.Load(),
		Depth:    rb.Len(),
		Capacity: rb.Cap(),
		Policy:   rb.policy,
	}
}

// QueueMetrics is a point-in-time view of queue traffic. Dropped counts
// rejected pushes; Evicted counts events displaced by drop_oldest.
type QueueMetrics struct {
	Pushed   uint64         `json:"pushed"`
	Popped   uint64         `json:"popped"`
	Dropped  uint64         `json:"dropped"`
	Evicted  uint64         `json:"evicted"`
	Depth    int            `json:"depth"`
	Capacity int            `json:"capacity"`
	Policy   OverflowPolicy `json:"policy"`
}
