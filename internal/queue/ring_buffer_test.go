package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"siem-correlator/internal/schema"
)

func ev(msg string) *schema.Event {
	return &schema.Event{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Category:  schema.CategorySystemEvent,
		Message:   msg,
	}
}

// drain pops until the queue reports empty and returns the messages.
func drain(t *testing.T, rb *RingBuffer) []string {
	t.Helper()
	var out []string
	for {
		e, err := rb.Pop()
		if errors.Is(err, ErrQueueEmpty) || errors.Is(err, ErrQueueClosed) {
			return out
		}
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		out = append(out, e.Message)
	}
}

func TestNewRingBufferCapacity(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{size: 4, want: 4},
		{size: 0, want: 10000},
		{size: -3, want: 10000},
	}
	for _, tt := range tests {
		rb := NewRingBuffer(tt.size)
		if rb.Cap() != tt.want {
			t.Errorf("NewRingBuffer(%d).Cap() = %d, want %d", tt.size, rb.Cap(), tt.want)
		}
		if m := rb.Metrics(); m.Policy != OverflowReject || m.Depth != 0 {
			t.Errorf("NewRingBuffer(%d).Metrics() = %+v, want empty reject queue", tt.size, m)
		}
	}
}

func TestRingBufferOverflow(t *testing.T) {
	tests := []struct {
		name        string
		policy      OverflowPolicy
		pushes      int
		wantErrs    int
		wantQueued  []string
		wantDropped uint64
		wantEvicted uint64
	}{
		{
			name:       "under capacity",
			policy:     OverflowReject,
			pushes:     2,
			wantQueued: []string{"e0", "e1"},
		},
		{
			name:        "reject keeps oldest",
			policy:      OverflowReject,
			pushes:      5,
			wantErrs:    2,
			wantQueued:  []string{"e0", "e1", "e2"},
			wantDropped: 2,
		},
		{
			name:        "drop oldest keeps newest",
			policy:      OverflowDropOldest,
			pushes:      5,
			wantQueued:  []string{"e2", "e3", "e4"},
			wantEvicted: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := NewRingBufferWithPolicy(3, tt.policy)

			errs := 0
			for i := range tt.pushes {
				if err := rb.Push(ev(fmt.Sprintf("e%d", i))); err != nil {
					if !errors.Is(err, ErrQueueFull) {
						t.Fatalf("Push() error = %v, want ErrQueueFull", err)
					}
					errs++
				}
			}
			if errs != tt.wantErrs {
				t.Errorf("push errors = %d, want %d", errs, tt.wantErrs)
			}

			m := rb.Metrics()
			if m.Dropped != tt.wantDropped || m.Evicted != tt.wantEvicted {
				t.Errorf("Metrics() dropped/evicted = %d/%d, want %d/%d",
					m.Dropped, m.Evicted, tt.wantDropped, tt.wantEvicted)
			}

			got := drain(t, rb)
			if fmt.Sprint(got) != fmt.Sprint(tt.wantQueued) {
				t.Errorf("queued = %v, want %v", got, tt.wantQueued)
			}
		})
	}
}

func TestRingBufferWrapsAround(t *testing.T) {
	rb := NewRingBuffer(3)
	var got []string
	for i := range 10 {
		if err := rb.Push(ev(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("Push(%d) error = %v", i, err)
		}
		if i%2 == 1 {
			got = append(got, drain(t, rb)...)
		}
	}
	want := "[e0 e1 e2 e3 e4 e5 e6 e7 e8 e9]"
	if fmt.Sprint(got) != want {
		t.Errorf("order = %v, want %s", got, want)
	}

	m := rb.Metrics()
	if m.Pushed != 10 || m.Popped != 10 || m.Depth != 0 {
		t.Errorf("Metrics() = %+v, want 10 pushed 10 popped", m)
	}
}

func TestRingBufferClose(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Push(ev("queued"))
	rb.Close()

	if err := rb.Push(ev("late")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() after Close = %v, want ErrQueueClosed", err)
	}

	e, err := rb.PopContext(context.Background())
	if err != nil || e.Message != "queued" {
		t.Fatalf("PopContext() = %v, %v; want the queued event", e, err)
	}
	if _, err := rb.PopContext(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("PopContext() on drained closed queue = %v, want ErrQueueClosed", err)
	}
	if _, err := rb.Pop(); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop() on drained closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestRingBufferPopContext(t *testing.T) {
	t.Run("wakes on push", func(t *testing.T) {
		rb := NewRingBuffer(2)
		got := make(chan string, 1)
		go func() {
			e, err := rb.PopContext(context.Background())
			if err != nil {
				got <- err.Error()
				return
			}
			got <- e.Message
		}()

		time.Sleep(20 * time.Millisecond)
		rb.Push(ev("late arrival"))

		select {
		case msg := <-got:
			if msg != "late arrival" {
				t.Errorf("PopContext() = %q, want late arrival", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("PopContext() did not wake on push")
		}
	})

	t.Run("cancel", func(t *testing.T) {
		rb := NewRingBuffer(2)
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() {
			_, err := rb.PopContext(ctx)
			errc <- err
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-errc:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("PopContext() = %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("PopContext() ignored cancellation")
		}
	})

	t.Run("done context wins over queued events", func(t *testing.T) {
		rb := NewRingBuffer(2)
		rb.Push(ev("queued"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := rb.PopContext(ctx); !errors.Is(err, context.Canceled) {
			t.Errorf("PopContext() = %v, want context.Canceled", err)
		}
		if rb.Len() != 1 {
			t.Errorf("Len() = %d, want 1", rb.Len())
		}
	})

	t.Run("close wakes every waiter", func(t *testing.T) {
		rb := NewRingBuffer(2)
		const waiters = 4
		var wg sync.WaitGroup
		errs := make(chan error, waiters)
		for range waiters {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := rb.PopContext(context.Background())
				errs <- err
			}()
		}

		time.Sleep(20 * time.Millisecond)
		rb.Close()
		wg.Wait()
		close(errs)

		for err := range errs {
			if !errors.Is(err, ErrQueueClosed) {
				t.Errorf("waiter error = %v, want ErrQueueClosed", err)
			}
		}
	})
}

func TestRingBufferPopWithTimeout(t *testing.T) {
	rb := NewRingBuffer(2)

	start := time.Now()
	if _, err := rb.PopWithTimeout(30 * time.Millisecond); !errors.Is(err, ErrQueueEmpty) {
		t.Errorf("PopWithTimeout() on empty queue = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("PopWithTimeout() returned after %v, want about 30ms", elapsed)
	}

	rb.Push(ev("ready"))
	e, err := rb.PopWithTimeout(time.Second)
	if err != nil || e.Message != "ready" {
		t.Errorf("PopWithTimeout() = %v, %v; want ready", e, err)
	}
}

func TestRingBufferConcurrentProducersConsumers(t *testing.T) {
	const (
		producers   = 4
		perProducer = 500
	)
	rb := NewRingBuffer(64)

	var consumed sync.Map
	var consumers sync.WaitGroup
	for range 3 {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				e, err := rb.PopContext(context.Background())
				if err != nil {
					return
				}
				consumed.Store(e.Message, true)
			}
		}()
	}

	var prod sync.WaitGroup
	for p := range producers {
		prod.Add(1)
		go func() {
			defer prod.Done()
			for i := range perProducer {
				e := ev(fmt.Sprintf("p%d-%d", p, i))
				for errors.Is(rb.Push(e), ErrQueueFull) {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	prod.Wait()
	rb.Close()
	consumers.Wait()

	n := 0
	consumed.Range(func(any, any) bool { n++; return true })
	if n != producers*perProducer {
		t.Errorf("consumed %d distinct events, want %d", n, producers*perProducer)
	}
	m := rb.Metrics()
	if m.Pushed != m.Popped {
		t.Errorf("Metrics() pushed %d popped %d, want equal", m.Pushed, m.Popped)
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", OverflowReject, false},
		{"reject", OverflowReject, false},
		{"drop_oldest", OverflowDropOldest, false},
		{"block", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOverflowPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOverflowPolicy(%q) = %q, %v; want %q, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
