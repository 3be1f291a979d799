package correlation

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

func TestWindowStoreCountSince(t *testing.T) {
	s := NewWindowStore(DefaultWindowStoreConfig())

	for i := 0; i < 5; i++ {
		s.Record("r", t0.Add(time.Duration(i)*10*time.Second))
	}

	tests := []struct {
		name   string
		now    time.Time
		window time.Duration
		want   int
	}{
		{"all inside", t0.Add(50 * time.Second), time.Minute, 5},
		{"boundary is exclusive", t0.Add(60 * time.Second), time.Minute, 4},
		{"partial", t0.Add(85 * time.Second), time.Minute, 2},
		{"all expired", t0.Add(10 * time.Minute), time.Minute, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fresh := NewWindowStore(DefaultWindowStoreConfig())
			for i := 0; i < 5; i++ {
				fresh.Record("r", t0.Add(time.Duration(i)*10*time.Second))
			}
			if got := fresh.CountSince("r", tt.now, tt.window); got != tt.want {
				t.Errorf("CountSince() = %d, want %d", got, tt.want)
			}
		})
	}

	if got := s.CountSince("missing", t0, time.Minute); got != 0 {
		t.Errorf("CountSince(missing) = %d, want 0", got)
	}
}

func TestWindowStoreOutOfOrder(t *testing.T) {
	s := NewWindowStore(WindowStoreConfig{})
	s.SetHorizon(time.Minute)
	s.Record("r", t0.Add(30*time.Second))
	s.Record("r", t0.Add(10*time.Second))
	s.Record("r", t0.Add(20*time.Second))
	s.Record("r", t0.Add(5*time.Second))

	now := t0.Add(40 * time.Second)
	if got := s.CountSince("r", now, 25*time.Second); got != 2 {
		t.Errorf("CountSince(25s) = %d, want 2", got)
	}

	d := s.Diagnostics("r", now, time.Minute)
	if d.Count != 4 {
		t.Errorf("Diagnostics().Count = %d, want 4", d.Count)
	}
	if !d.Oldest.Equal(t0.Add(5 * time.Second)) {
		t.Errorf("Diagnostics().Oldest = %v, want %v", d.Oldest, t0.Add(5*time.Second))
	}
}

func TestWindowStoreDelayedEventRecorded(t *testing.T) {
	s := NewWindowStore(WindowStoreConfig{})
	now := t0.Add(time.Hour)

	// Event far older than the window is still recorded but never counted.
	got := s.RecordAndCount("r", t0, now, time.Minute)
	if got != 0 {
		t.Errorf("RecordAndCount() = %d, want 0 for an event outside the window", got)
	}
	got = s.RecordAndCount("r", now, now, time.Minute)
	if got != 1 {
		t.Errorf("RecordAndCount() = %d, want 1", got)
	}
}

func TestWindowStorePurgesToHorizon(t *testing.T) {
	s := NewWindowStore(WindowStoreConfig{})
	s.SetHorizon(5 * time.Minute)

	for i := 0; i < 100; i++ {
		s.Record("r", t0.Add(time.Duration(i)*time.Second))
	}

	// Querying with a short window still keeps entries within the horizon.
	now := t0.Add(200 * time.Second)
	if got := s.CountSince("r", now, 10*time.Second); got != 0 {
		t.Errorf("CountSince(10s) = %d, want 0", got)
	}
	if got := s.Entries(); got != 100 {
		t.Errorf("Entries() = %d, want 100 retained within horizon", got)
	}

	// Past the horizon everything is purged.
	s.CountSince("r", t0.Add(time.Hour), 10*time.Second)
	if got := s.Entries(); got != 0 {
		t.Errorf("Entries() = %d, want 0 after horizon passed", got)
	}
}

func TestWindowStoreCap(t *testing.T) {
	s := NewWindowStore(WindowStoreConfig{MaxEntriesPerRule: 10})
	for i := 0; i < 25; i++ {
		s.Record("r", t0.Add(time.Duration(i)*time.Millisecond))
	}
	d := s.Diagnostics("r", t0.Add(time.Second), time.Hour)
	if d.Count != 10 {
		t.Errorf("Count = %d, want 10", d.Count)
	}
	if !d.Oldest.Equal(t0.Add(15 * time.Millisecond)) {
		t.Errorf("Oldest = %v, want the 16th timestamp", d.Oldest)
	}
	if got := s.Stats()["dropped_entries"].(int64); got != 15 {
		t.Errorf("dropped_entries = %d, want 15", got)
	}
}

func TestWindowStoreSweep(t *testing.T) {
	s := NewWindowStore(WindowStoreConfig{})
	s.SetHorizon(time.Minute)
	s.Record("keep", t0)
	s.Record("keep", t0.Add(2*time.Minute))
	s.Record("gone", t0)

	removed, purged := s.Sweep(t0.Add(150*time.Second), func(id string) bool { return id == "keep" })
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	if got := s.Entries(); got != 1 {
		t.Errorf("Entries() = %d, want 1", got)
	}
}

func TestWindowStoreCompaction(t *testing.T) {
	s := NewWindowStore(WindowStoreConfig{})
	s.SetHorizon(time.Second)

	// Slide a one-second window across many entries; retained entries stay bounded.
	for i := 0; i < 20000; i++ {
		ts := t0.Add(time.Duration(i) * time.Millisecond)
		s.RecordAndCount("r", ts, ts, time.Second)
	}
	if got := s.Entries(); got > 1001 {
		t.Errorf("Entries() = %d, want <= 1001", got)
	}

	w := s.window("r", false)
	w.mu.Lock()
	backing := len(w.ts)
	w.mu.Unlock()
	if backing > 4000 {
		t.Errorf("backing slice length = %d, compaction did not run", backing)
	}
}

// Property: the count never includes a timestamp at or before now-window,
// whatever the insertion order.
func TestWindowStoreCountProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		s := NewWindowStore(WindowStoreConfig{})
		window := time.Duration(1+rng.Intn(60)) * time.Second
		s.SetHorizon(window)

		var stamps []time.Time
		now := t0
		for i := 0; i < 200; i++ {
			now = now.Add(time.Duration(rng.Intn(1000)) * time.Millisecond)
			ts := now.Add(-time.Duration(rng.Intn(90)) * time.Second)
			stamps = append(stamps, ts)
			s.Record("r", ts)

			if rng.Intn(4) == 0 {
				want := 0
				cutoff := now.Add(-window)
				for _, st := range stamps {
					if st.After(cutoff) {
						want++
					}
				}
				if got := s.CountSince("r", now, window); got != want {
					t.Fatalf("trial %d step %d: CountSince() = %d, want %d", trial, i, got, want)
				}
			}
		}
	}
}

func TestWindowStoreConcurrentRecords(t *testing.T) {
	s := NewWindowStore(WindowStoreConfig{})
	const workers, perWorker = 8, 500

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s.Record("shared", t0.Add(time.Duration(i)*time.Millisecond))
				s.Record(fmt.Sprintf("rule-%d", w), t0)
			}
		}(w)
	}
	wg.Wait()

	if got := s.CountSince("shared", t0.Add(time.Second), time.Hour); got != workers*perWorker {
		t.Errorf("CountSince(shared) = %d, want %d", got, workers*perWorker)
	}
	for w := 0; w < workers; w++ {
		if got := s.CountSince(fmt.Sprintf("rule-%d", w), t0, time.Hour); got != perWorker {
			t.Errorf("CountSince(rule-%d) = %d, want %d", w, got, perWorker)
		}
	}
}
