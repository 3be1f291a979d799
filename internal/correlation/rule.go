// Package correlation provides rule-driven event correlation over sliding time windows.
package correlation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Severity levels for rules.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a known value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// MatchMode selects how a rule pattern is applied.
type MatchMode string

const (
	// MatchSubstring is a case-insensitive substring test.
	MatchSubstring MatchMode = "substring"
	// MatchRegex is a case-insensitive regular expression search.
	MatchRegex MatchMode = "regex"
)

// MatchField selects which event field a pattern is tested against.
type MatchField string

const (
	FieldMessage  MatchField = "message"
	FieldCategory MatchField = "category"
	FieldAny      MatchField = "any"
)

// Rule is a detection rule: a pattern that must match at least Threshold
// events within the trailing Window for the rule to fire.
type Rule struct {
	ID          string        `yaml:"id" json:"id" validate:"required,max=128"`
	Name        string        `yaml:"name" json:"name" validate:"max=256"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Pattern     string        `yaml:"pattern" json:"pattern" validate:"required"`
	Match       MatchMode     `yaml:"match" json:"match" validate:"oneof=substring regex"`
	Field       MatchField    `yaml:"field" json:"field" validate:"oneof=message category any"`
	Threshold   int           `yaml:"threshold" json:"threshold" validate:"min=1"`
	Window      time.Duration `yaml:"window" json:"window" validate:"gt=0"`
	Severity    Severity      `yaml:"severity" json:"severity" validate:"oneof=low medium high critical"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Tags        []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// UnmarshalYAML decodes a rule, defaulting enabled, match and field when omitted.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	type plain Rule
	p := plain{
		Enabled: true,
		Match:   MatchRegex,
		Field:   FieldMessage,
	}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// DisplayName returns the rule name, falling back to its id.
func (r *Rule) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}

func (r *Rule) applyDefaults() {
	if r.Match == "" {
		r.Match = MatchRegex
	}
	if r.Field == "" {
		r.Field = FieldMessage
	}
}

// clone returns a copy that shares no mutable state with r.
func (r Rule) clone() Rule {
	r.Tags = slices.Clone(r.Tags)
	return r
}

var ruleValidate = validator.New()

// Validate checks the rule in isolation and reports every problem found.
func (r *Rule) Validate() error {
	problems := r.problems()
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

func (r *Rule) problems() []string {
	err := ruleValidate.Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "ID":
			problems = append(problems, "id is required")
		case "Name":
			problems = append(problems, "name is too long")
		case "Pattern":
			problems = append(problems, "pattern must not be empty")
		case "Threshold":
			problems = append(problems, fmt.Sprintf("threshold must be >= 1, got %d", r.Threshold))
		case "Window":
			problems = append(problems, fmt.Sprintf("window must be > 0, got %v", r.Window))
		case "Severity":
			problems = append(problems, fmt.Sprintf("unknown severity %q", r.Severity))
		case "Match":
			problems = append(problems, fmt.Sprintf("unknown match mode %q", r.Match))
		case "Field":
			problems = append(problems, fmt.Sprintf("unknown match field %q", r.Field))
		default:
			problems = append(problems, fmt.Sprintf("%s failed %s check", fe.Field(), fe.Tag()))
		}
	}
	return problems
}

// RuleProblem describes why one rule in a set was rejected.
type RuleProblem struct {
	Index    int      `json:"index"`
	RuleID   string   `json:"rule_id"`
	Problems []string `json:"problems"`
}

// ConfigError reports every invalid rule in a rule set. A load or reload
// that returns it leaves the previously active rules in place.
type ConfigError struct {
	Problems []RuleProblem
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid rule configuration: %d rule(s) rejected", len(e.Problems))
	for _, p := range e.Problems {
		id := p.RuleID
		if id == "" {
			id = "<no id>"
		}
		fmt.Fprintf(&b, "; rule[%d] %q: %s", p.Index, id, strings.Join(p.Problems, ", "))
	}
	return b.String()
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// ParseRules decodes rules from YAML (or JSON) bytes. A bare list, a
// document with a top-level "rules" key, and a single rule mapping are all
// accepted. Rules are not validated here; Registry.Load reports every invalid
// rule at once.
func ParseRules(data []byte) ([]Rule, error) {
	var rules []Rule
	listErr := yaml.Unmarshal(data, &rules)
	if listErr == nil {
		return rules, nil
	}

	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err == nil && doc.Rules != nil {
		return doc.Rules, nil
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", listErr)
	}
	return []Rule{rule}, nil
}

// MarshalRules encodes rules as a YAML document with a top-level "rules" key.
func MarshalRules(rules []Rule) ([]byte, error) {
	type yamlRule struct {
		ID          string     `yaml:"id"`
		Name        string     `yaml:"name,omitempty"`
		Description string     `yaml:"description,omitempty"`
		Pattern     string     `yaml:"pattern"`
		Match       MatchMode  `yaml:"match"`
		Field       MatchField `yaml:"field"`
		Threshold   int        `yaml:"threshold"`
		Window      string     `yaml:"window"`
		Severity    Severity   `yaml:"severity"`
		Enabled     bool       `yaml:"enabled"`
		Tags        []string   `yaml:"tags,omitempty"`
	}
	out := make([]yamlRule, len(rules))
	for i, r := range rules {
		out[i] = yamlRule{
			ID: r.ID, Name: r.Name, Description: r.Description,
			Pattern: r.Pattern, Match: r.Match, Field: r.Field,
			Threshold: r.Threshold, Window: r.Window.String(),
			Severity: r.Severity, Enabled: r.Enabled, Tags: r.Tags,
		}
	}
	return yaml.Marshal(map[string]any{"rules": out})
}
