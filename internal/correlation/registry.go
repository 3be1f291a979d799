package correlation

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnknownRule is returned for lookups of a rule id not in the active set.
var ErrUnknownRule = errors.New("unknown rule")

// CompiledRule is a validated rule paired with its compiled matcher.
type CompiledRule struct {
	Rule
	Matcher Matcher
}

// Snapshot is an immutable, fully validated rule set. Evaluations hold on to
// the snapshot they started with, so a reload never exposes a partial set.
type Snapshot struct {
	rules     []*CompiledRule
	byID      map[string]*CompiledRule
	maxWindow time.Duration
	version   uint64
	loadedAt  time.Time
}

// EnabledRules yields the enabled rules in declaration order. The sequence
// can be ranged over any number of times.
func (s *Snapshot) EnabledRules() iter.Seq[*CompiledRule] {
	return func(yield func(*CompiledRule) bool) {
		for _, r := range s.rules {
			if !r.Enabled {
				continue
			}
			if !yield(r) {
				return
			}
		}
	}
}

// Rules returns copies of every rule, enabled or not, in declaration order.
func (s *Snapshot) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule.clone()
	}
	return out
}

// Lookup returns the rule with the given id.
func (s *Snapshot) Lookup(id string) (*CompiledRule, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Len returns the number of rules in the snapshot.
func (s *Snapshot) Len() int { return len(s.rules) }

// MaxWindow returns the largest window of any rule in the snapshot.
func (s *Snapshot) MaxWindow() time.Duration { return s.maxWindow }

// Version increments with every successful load.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt returns when the snapshot became active.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	MatcherCacheSize int
	RegexTimeout     time.Duration
	Clock            Clock
}

// DefaultRegistryConfig returns default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		MatcherCacheSize: 1024,
		RegexTimeout:     DefaultRegexTimeout,
		Clock:            SystemClock{},
	}
}

// Registry holds the active rule set. Reads are lock-free; loads are
// serialized and swap in a new snapshot atomically.
type Registry struct {
	current  atomic.Pointer[Snapshot]
	matchers *MatcherCache
	clock    Clock
	mu       sync.Mutex
}

// NewRegistry creates a registry with an empty rule set.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	r := &Registry{
		matchers: NewMatcherCache(cfg.MatcherCacheSize, cfg.RegexTimeout),
		clock:    cfg.Clock,
	}
	r.current.Store(&Snapshot{byID: map[string]*CompiledRule{}, loadedAt: cfg.Clock.Now()})
	return r
}

// LoadRegistry validates rules and returns a registry holding them.
func LoadRegistry(rules []Rule, cfg RegistryConfig) (*Registry, error) {
	r := NewRegistry(cfg)
	if err := r.Load(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Load validates every rule and, if all are valid, atomically replaces the
// active set. On failure it returns a *ConfigError listing all invalid rules
// and the previous set stays active.
func (r *Registry) Load(rules []Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := r.compile(rules)
	if err != nil {
		return err
	}

	prev := r.current.Load()
	snap.version = prev.version + 1
	snap.loadedAt = r.clock.Now()
	r.current.Store(snap)

	slog.Info("rule set loaded",
		"rules", len(snap.rules),
		"version", snap.version,
		"max_window", snap.maxWindow,
	)
	return nil
}

// Validate reports whether rules would load, without activating them.
func (r *Registry) Validate(rules []Rule) error {
	_, err := r.compile(rules)
	return err
}

// Snapshot returns the active rule set.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// EnabledRules yields the enabled rules of the active set in declaration order.
func (r *Registry) EnabledRules() iter.Seq[*CompiledRule] {
	return r.Snapshot().EnabledRules()
}

// Rules returns copies of all rules in the active set.
func (r *Registry) Rules() []Rule {
	return r.Snapshot().Rules()
}

func (r *Registry) compile(rules []Rule) (*Snapshot, error) {
	snap := &Snapshot{
		rules: make([]*CompiledRule, 0, len(rules)),
		byID:  make(map[string]*CompiledRule, len(rules)),
	}

	var cfgErr ConfigError
	seen := make(map[string]int, len(rules))

	for i := range rules {
		rule := rules[i].clone()
		rule.applyDefaults()

		problems := rule.problems()
		if rule.ID != "" {
			if first, dup := seen[rule.ID]; dup {
				problems = append(problems, fmt.Sprintf("duplicate id (first defined at index %d)", first))
			} else {
				seen[rule.ID] = i
			}
		}

		var matcher Matcher
		if rule.Pattern != "" && (rule.Match == MatchSubstring || rule.Match == MatchRegex) {
			m, err := r.matchers.Compile(&rule)
			if err != nil {
				problems = append(problems, err.Error())
			}
			matcher = m
		}

		if len(problems) > 0 {
			cfgErr.Problems = append(cfgErr.Problems, RuleProblem{
				Index:    i,
				RuleID:   rule.ID,
				Problems: problems,
			})
			continue
		}

		cr := &CompiledRule{Rule: rule, Matcher: matcher}
		snap.rules = append(snap.rules, cr)
		snap.byID[rule.ID] = cr
		if rule.Window > snap.maxWindow {
			snap.maxWindow = rule.Window
		}
	}

	if len(cfgErr.Problems) > 0 {
		return nil, &cfgErr
	}
	return snap, nil
}
