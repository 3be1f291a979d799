package correlation

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	lru "github.com/hashicorp/golang-lru/v2"

	"siem-correlator/internal/schema"
)

// DefaultRegexTimeout bounds a single regex evaluation.
const DefaultRegexTimeout = 100 * time.Millisecond

// Matcher decides whether an event satisfies a rule's predicate.
// Implementations must be safe for concurrent use and free of side effects.
type Matcher interface {
	Matches(event *schema.Event) bool
}

// MatcherFunc adapts an ordinary function to the Matcher interface.
type MatcherFunc func(event *schema.Event) bool

// Matches calls f(event).
func (f MatcherFunc) Matches(event *schema.Event) bool { return f(event) }

// fieldValues returns the event values a pattern is tested against.
func fieldValues(field MatchField, event *schema.Event) []string {
	switch field {
	case FieldCategory:
		return []string{string(event.Category)}
	case FieldAny:
		return []string{event.Message, string(event.Category)}
	default:
		return []string{event.Message}
	}
}

type substringMatcher struct {
	needle string
	field  MatchField
}

// NewSubstringMatcher returns a case-insensitive substring matcher.
func NewSubstringMatcher(pattern string, field MatchField) Matcher {
	return &substringMatcher{needle: strings.ToLower(pattern), field: field}
}

func (m *substringMatcher) Matches(event *schema.Event) bool {
	for _, v := range fieldValues(m.field, event) {
		if strings.Contains(strings.ToLower(v), m.needle) {
			return true
		}
	}
	return false
}

type regexMatcher struct {
	re    *regexp2.Regexp
	field MatchField
}

// NewRegexMatcher compiles a case-insensitive regex matcher. A match that
// exceeds timeout counts as no match.
func NewRegexMatcher(pattern string, field MatchField, timeout time.Duration) (Matcher, error) {
	re, err := regexp2.Compile(pattern, regexp2.IgnoreCase)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	if timeout > 0 {
		re.MatchTimeout = timeout
	}
	return &regexMatcher{re: re, field: field}, nil
}

func (m *regexMatcher) Matches(event *schema.Event) bool {
	for _, v := range fieldValues(m.field, event) {
		ok, err := m.re.MatchString(v)
		if err != nil {
			slog.Warn("regex evaluation failed",
				"pattern", m.re.String(),
				"error", err,
			)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// MatcherCache compiles rule patterns and keeps recently used matchers so
// that reloading an unchanged rule set does not recompile every regex.
type MatcherCache struct {
	cache        *lru.Cache[string, Matcher]
	regexTimeout time.Duration
}

// NewMatcherCache creates a cache holding up to size compiled matchers.
func NewMatcherCache(size int, regexTimeout time.Duration) *MatcherCache {
	if size <= 0 {
		size = 1024
	}
	if regexTimeout <= 0 {
		regexTimeout = DefaultRegexTimeout
	}
	cache, err := lru.New[string, Matcher](size)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &MatcherCache{cache: cache, regexTimeout: regexTimeout}
}

// Compile returns the matcher for a rule's pattern, match mode and field.
func (c *MatcherCache) Compile(rule *Rule) (Matcher, error) {
	key := string(rule.Match) + "\x00" + string(rule.Field) + "\x00" + rule.Pattern
	if m, ok := c.cache.Get(key); ok {
		return m, nil
	}

	var m Matcher
	switch rule.Match {
	case MatchSubstring:
		m = NewSubstringMatcher(rule.Pattern, rule.Field)
	case MatchRegex:
		var err error
		m, err = NewRegexMatcher(rule.Pattern, rule.Field, c.regexTimeout)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown match mode %q", rule.Match)
	}

	c.cache.Add(key, m)
	return m, nil
}

// Len returns the number of cached matchers.
func (c *MatcherCache) Len() int {
	return c.cache.Len()
}
