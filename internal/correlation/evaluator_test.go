package correlation

import (
	"sort"
	"sync"
	"testing"
	"time"

	"siem-correlator/internal/schema"
)

func newTestEvaluator(t *testing.T, rules []Rule) (*Evaluator, *FakeClock) {
	t.Helper()
	clock := NewFakeClock(t0)
	cfg := DefaultRegistryConfig()
	cfg.Clock = clock
	reg, err := LoadRegistry(rules, cfg)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}
	store := NewWindowStore(DefaultWindowStoreConfig())
	store.SetHorizon(reg.Snapshot().MaxWindow())
	return NewEvaluator(reg, store, clock), clock
}

func authEvent(ts time.Time, msg string) *schema.Event {
	return &schema.Event{
		Timestamp: ts,
		Category:  schema.CategoryAuthentication,
		Message:   msg,
		SourceIP:  "192.168.1.100",
		User:      "admin",
	}
}

func TestEvaluateBruteForceScenario(t *testing.T) {
	rule := Rule{
		ID: "brute_force", Name: "Brute Force", Pattern: "Failed login attempt",
		Threshold: 5, Window: 300 * time.Second, Severity: SeverityHigh, Enabled: true,
	}

	t.Run("five within 120s fires once on the fifth", func(t *testing.T) {
		ev, clock := newTestEvaluator(t, []Rule{rule})
		total := 0
		for i := 0; i < 5; i++ {
			now := clock.Advance(24 * time.Second)
			fired := ev.Evaluate(authEvent(now, "Failed login attempt: admin"))
			total += len(fired)
			if i < 4 && len(fired) != 0 {
				t.Fatalf("event %d fired %d rules, want 0", i+1, len(fired))
			}
			if i == 4 {
				if len(fired) != 1 {
					t.Fatalf("fifth event fired %d rules, want 1", len(fired))
				}
				if fired[0].Rule.Severity != SeverityHigh || fired[0].Count != 5 {
					t.Errorf("fired = %+v, want severity high count 5", fired[0])
				}
			}
		}
		if total != 1 {
			t.Errorf("total fired = %d, want 1", total)
		}
	})

	t.Run("four events never fire", func(t *testing.T) {
		ev, clock := newTestEvaluator(t, []Rule{rule})
		for i := 0; i < 4; i++ {
			now := clock.Advance(10 * time.Second)
			if fired := ev.Evaluate(authEvent(now, "Failed login attempt: root")); len(fired) != 0 {
				t.Fatalf("event %d fired, want no alert", i+1)
			}
		}
	})

	t.Run("matches are case-insensitive", func(t *testing.T) {
		ev, clock := newTestEvaluator(t, []Rule{rule})
		var fired []FiredRule
		for i := 0; i < 5; i++ {
			fired = ev.Evaluate(authEvent(clock.Advance(time.Second), "FAILED LOGIN ATTEMPT for guest"))
		}
		if len(fired) != 1 {
			t.Errorf("fired %d rules, want 1", len(fired))
		}
	})

	t.Run("matches outside the window do not count", func(t *testing.T) {
		ev, clock := newTestEvaluator(t, []Rule{rule})
		for i := 0; i < 4; i++ {
			ev.Evaluate(authEvent(clock.Advance(time.Second), "Failed login attempt"))
		}
		clock.Advance(301 * time.Second)
		if fired := ev.Evaluate(authEvent(clock.Now(), "Failed login attempt")); len(fired) != 0 {
			t.Errorf("fired after window expiry, want 0")
		}
	})
}

func TestEvaluateThresholdOneFiresImmediately(t *testing.T) {
	ev, clock := newTestEvaluator(t, []Rule{MalwareDetectionRule()})
	for i := 0; i < 3; i++ {
		fired := ev.Evaluate(authEvent(clock.Advance(time.Second), "Trojan detected in file.exe"))
		if len(fired) != 1 {
			t.Fatalf("event %d fired %d rules, want 1", i+1, len(fired))
		}
	}
}

func TestEvaluateReplayedEventCountsTwice(t *testing.T) {
	rule := testRule("dup", "Port scan detected", 2, time.Minute)
	ev, clock := newTestEvaluator(t, []Rule{rule})

	e := authEvent(clock.Now(), "Port scan detected from 10.0.0.50")
	if fired := ev.Evaluate(e); len(fired) != 0 {
		t.Fatalf("first occurrence fired %d rules, want 0", len(fired))
	}
	if fired := ev.Evaluate(e); len(fired) != 1 {
		t.Fatalf("second occurrence fired %d rules, want 1", len(fired))
	}
}

func TestEvaluateIndependentRules(t *testing.T) {
	rules := []Rule{
		testRule("unauthorized", "unauthorized", 1, time.Minute),
		testRule("malware", "malware", 1, time.Minute),
		testRule("other", "nothing-here", 1, time.Minute),
	}
	msg := "Unauthorized access attempt by malware dropper"

	collect := func(rules []Rule) []string {
		ev, clock := newTestEvaluator(t, rules)
		var ids []string
		for _, f := range ev.Evaluate(authEvent(clock.Now(), msg)) {
			ids = append(ids, f.Rule.ID)
		}
		sort.Strings(ids)
		return ids
	}

	forward := collect(rules)
	reversed := collect([]Rule{rules[2], rules[1], rules[0]})

	if len(forward) != 2 || forward[0] != "malware" || forward[1] != "unauthorized" {
		t.Errorf("forward = %v, want [malware unauthorized]", forward)
	}
	if len(reversed) != len(forward) || reversed[0] != forward[0] || reversed[1] != forward[1] {
		t.Errorf("reversed = %v, want %v", reversed, forward)
	}
}

func TestEvaluateRecordsBelowThreshold(t *testing.T) {
	ev, clock := newTestEvaluator(t, []Rule{testRule("r", "x", 10, time.Minute)})
	ev.Evaluate(authEvent(clock.Now(), "x marks the spot"))
	ev.Evaluate(authEvent(clock.Now(), "no match"))

	d := ev.Store().Diagnostics("r", clock.Now(), time.Minute)
	if d.Count != 1 {
		t.Errorf("Diagnostics().Count = %d, want 1", d.Count)
	}
}

func TestEvaluateDisabledRuleIgnored(t *testing.T) {
	r := testRule("off", "x", 1, time.Minute)
	r.Enabled = false
	ev, clock := newTestEvaluator(t, []Rule{r})
	if fired := ev.Evaluate(authEvent(clock.Now(), "x")); len(fired) != 0 {
		t.Errorf("disabled rule fired")
	}
	if ev.Store().Len() != 0 {
		t.Errorf("disabled rule recorded a window entry")
	}
}

func TestEvaluateDelayedEvent(t *testing.T) {
	ev, clock := newTestEvaluator(t, []Rule{testRule("r", "x", 1, time.Minute)})
	clock.Advance(time.Hour)
	if fired := ev.Evaluate(authEvent(t0, "x")); len(fired) != 0 {
		t.Errorf("event older than the window fired %d rules, want 0", len(fired))
	}
}

func TestEvaluateSnapshotSurvivesReload(t *testing.T) {
	ev, clock := newTestEvaluator(t, []Rule{testRule("old", "x", 1, time.Minute)})
	inFlight := ev.Registry().Snapshot()

	if err := ev.Registry().Load([]Rule{testRule("new", "x", 1, time.Minute)}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	fired := ev.EvaluateSnapshot(inFlight, authEvent(clock.Now(), "x"))
	if len(fired) != 1 || fired[0].Rule.ID != "old" {
		t.Errorf("in-flight evaluation = %+v, want rule old", fired)
	}
	fired = ev.Evaluate(authEvent(clock.Now(), "x"))
	if len(fired) != 1 || fired[0].Rule.ID != "new" {
		t.Errorf("post-reload evaluation = %+v, want rule new", fired)
	}
}

func TestEvaluateMatchFields(t *testing.T) {
	category := testRule("cat", "file_access", 1, time.Minute)
	category.Match = MatchSubstring
	category.Field = FieldCategory

	anyField := testRule("any", "^authentication$", 1, time.Minute)
	anyField.Field = FieldAny

	ev, clock := newTestEvaluator(t, []Rule{category, anyField})

	fired := ev.Evaluate(&schema.Event{
		Timestamp: clock.Now(), Category: schema.CategoryFileAccess, Message: "read /etc/passwd",
	})
	if len(fired) != 1 || fired[0].Rule.ID != "cat" {
		t.Errorf("file_access event fired %+v, want cat", fired)
	}

	fired = ev.Evaluate(authEvent(clock.Now(), "login ok"))
	if len(fired) != 1 || fired[0].Rule.ID != "any" {
		t.Errorf("authentication event fired %+v, want any", fired)
	}
}

func TestEvaluateConcurrentSameRule(t *testing.T) {
	ev, clock := newTestEvaluator(t, []Rule{testRule("r", "x", 1000, time.Hour)})

	var wg sync.WaitGroup
	var mu sync.Mutex
	fires := 0
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				n := len(ev.Evaluate(authEvent(clock.Now(), "x")))
				mu.Lock()
				fires += n
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if got := ev.Store().CountSince("r", clock.Now(), time.Hour); got != 1000 {
		t.Errorf("CountSince() = %d, want 1000", got)
	}
	if fires != 1 {
		t.Errorf("fires = %d, want exactly 1 at the threshold", fires)
	}
}
