package correlation

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// WindowStoreConfig configures a WindowStore.
type WindowStoreConfig struct {
	// MaxEntriesPerRule caps each rule's buffer; the oldest entries are
	// dropped first. Zero means unlimited.
	MaxEntriesPerRule int
}

// DefaultWindowStoreConfig returns default window store configuration.
func DefaultWindowStoreConfig() WindowStoreConfig {
	return WindowStoreConfig{MaxEntriesPerRule: 100000}
}

// WindowDiagnostics describes one rule's live window.
type WindowDiagnostics struct {
	RuleID string    `json:"rule_id"`
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest_timestamp,omitzero"`
}

// WindowStore keeps, per rule, the sorted timestamps of recent matching events.
// Buffers for different rules are locked independently.
type WindowStore struct {
	mu         sync.RWMutex
	windows    map[string]*ruleWindow
	maxEntries int
	horizon    atomic.Int64
	dropped    atomic.Int64
}

// ruleWindow holds timestamps in ascending order; ts[head:] are live.
type ruleWindow struct {
	mu   sync.Mutex
	ts   []int64
	head int
}

// NewWindowStore creates an empty window store.
func NewWindowStore(cfg WindowStoreConfig) *WindowStore {
	return &WindowStore{
		windows:    make(map[string]*ruleWindow),
		maxEntries: cfg.MaxEntriesPerRule,
	}
}

// SetHorizon sets the retention horizon, normally the largest window of any
// active rule. Entries older than now minus the horizon are purged.
func (s *WindowStore) SetHorizon(d time.Duration) {
	s.horizon.Store(int64(d))
}

// Horizon returns the current retention horizon.
func (s *WindowStore) Horizon() time.Duration {
	return time.Duration(s.horizon.Load())
}

// Record appends a match instance for a rule. Out-of-order timestamps are
// inserted at their sorted position.
func (s *WindowStore) Record(ruleID string, ts time.Time) {
	w := s.window(ruleID, true)
	w.mu.Lock()
	w.insert(ts.UnixNano())
	s.enforceCap(w)
	w.mu.Unlock()
}

// CountSince returns the number of recorded instances with timestamp after
// now-window. Entries beyond the retention horizon are purged as a side effect.
func (s *WindowStore) CountSince(ruleID string, now time.Time, window time.Duration) int {
	w := s.window(ruleID, false)
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.purge(s.purgeCutoff(now, window))
	return w.countAfter(now.Add(-window).UnixNano())
}

// RecordAndCount records ts and returns CountSince under a single lock
// acquisition, so the returned count always includes this instance when
// ts lies inside the window.
func (s *WindowStore) RecordAndCount(ruleID string, ts, now time.Time, window time.Duration) int {
	w := s.window(ruleID, true)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.insert(ts.UnixNano())
	w.purge(s.purgeCutoff(now, window))
	s.enforceCap(w)
	return w.countAfter(now.Add(-window).UnixNano())
}

// Diagnostics reports the count and oldest timestamp inside a rule's window.
func (s *WindowStore) Diagnostics(ruleID string, now time.Time, window time.Duration) WindowDiagnostics {
	d := WindowDiagnostics{RuleID: ruleID}
	w := s.window(ruleID, false)
	if w == nil {
		return d
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	live := w.ts[w.head:]
	cutoff := now.Add(-window).UnixNano()
	idx := sort.Search(len(live), func(i int) bool { return live[i] > cutoff })
	d.Count = len(live) - idx
	if d.Count > 0 {
		d.Oldest = time.Unix(0, live[idx]).UTC()
	}
	return d
}

// Sweep purges every buffer to the retention horizon and removes buffers
// for which keep returns false. It returns the number of buffers removed
// and entries purged.
func (s *WindowStore) Sweep(now time.Time, keep func(ruleID string) bool) (removed, purged int) {
	s.mu.Lock()
	for id := range s.windows {
		if keep != nil && !keep(id) {
			delete(s.windows, id)
			removed++
		}
	}
	windows := make([]*ruleWindow, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.mu.Unlock()

	cutoff := s.purgeCutoff(now, 0)
	for _, w := range windows {
		w.mu.Lock()
		before := len(w.ts) - w.head
		w.purge(cutoff)
		purged += before - (len(w.ts) - w.head)
		w.mu.Unlock()
	}
	return removed, purged
}

// Len returns the number of rule buffers.
func (s *WindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.windows)
}

// Entries returns the total number of retained timestamps.
func (s *WindowStore) Entries() int {
	s.mu.RLock()
	windows := make([]*ruleWindow, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.mu.RUnlock()

	total := 0
	for _, w := range windows {
		w.mu.Lock()
		total += len(w.ts) - w.head
		w.mu.Unlock()
	}
	return total
}

// Stats returns window store statistics.
func (s *WindowStore) Stats() map[string]interface{} {
	return map[string]interface{}{
		"windows":         s.Len(),
		"entries":         s.Entries(),
		"horizon_seconds": s.Horizon().Seconds(),
		"dropped_entries": s.dropped.Load(),
	}
}

func (s *WindowStore) window(ruleID string, create bool) *ruleWindow {
	s.mu.RLock()
	w, ok := s.windows[ruleID]
	s.mu.RUnlock()
	if ok || !create {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[ruleID]; ok {
		return w
	}
	w = &ruleWindow{}
	s.windows[ruleID] = w
	return w
}

// purgeCutoff returns the newest timestamp that may be discarded.
func (s *WindowStore) purgeCutoff(now time.Time, window time.Duration) int64 {
	keep := time.Duration(s.horizon.Load())
	if window > keep {
		keep = window
	}
	return now.Add(-keep).UnixNano()
}

func (s *WindowStore) enforceCap(w *ruleWindow) {
	if s.maxEntries <= 0 {
		return
	}
	if excess := len(w.ts) - w.head - s.maxEntries; excess > 0 {
		w.head += excess
		s.dropped.Add(int64(excess))
		w.compact()
	}
}

func (w *ruleWindow) insert(t int64) {
	n := len(w.ts)
	if n == w.head || t >= w.ts[n-1] {
		w.ts = append(w.ts, t)
		return
	}

	live := w.ts[w.head:]
	pos := w.head + sort.Search(len(live), func(i int) bool { return live[i] > t })
	w.ts = append(w.ts, 0)
	copy(w.ts[pos+1:], w.ts[pos:n])
	w.ts[pos] = t
}

// purge discards live entries at or before cutoff.
func (w *ruleWindow) purge(cutoff int64) {
	live := w.ts[w.head:]
	if len(live) == 0 || live[0] > cutoff {
		return
	}
	w.head += sort.Search(len(live), func(i int) bool { return live[i] > cutoff })
	w.compact()
}

func (w *ruleWindow) countAfter(cutoff int64) int {
	live := w.ts[w.head:]
	return len(live) - sort.Search(len(live), func(i int) bool { return live[i] > cutoff })
}

func (w *ruleWindow) compact() {
	live := len(w.ts) - w.head
	switch {
	case live == 0:
		if cap(w.ts) > 4096 {
			w.ts = nil
		} else {
			w.ts = w.ts[:0]
		}
		w.head = 0
	case w.head >= 1024 && w.head*2 >= len(w.ts):
		n := copy(w.ts, w.ts[w.head:])
		w.ts = w.ts[:n]
		w.head = 0
	}
}
