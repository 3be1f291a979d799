package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// InvalidEventError reports a malformed event rejected at submit.
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// IsInvalidEvent reports whether err is or wraps an InvalidEventError.
func IsInvalidEvent(err error) bool {
	var target *InvalidEventError
	return errors.As(err, &target)
}

// Validator handles validation of events.
type Validator struct {
	validate  *validator.Validate
	maxAge    time.Duration
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
// A zero MaxAge or MaxFuture disables the corresponding bound.
type ValidatorConfig struct {
	MaxAge    time.Duration
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxAge:    7 * 24 * time.Hour,
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	// Report JSON field names so errors match what the client sent.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("event_category", func(fl validator.FieldLevel) bool {
		return Category(fl.Field().String()).IsValid()
	})
	v.RegisterValidation("event_level", func(fl validator.FieldLevel) bool {
		return Level(fl.Field().String()).IsValid()
	})

	return &Validator{
		validate:  v,
		maxAge:    cfg.MaxAge,
		maxFuture: cfg.MaxFuture,
	}
}

// Validate checks an event against the wall clock.
func (v *Validator) Validate(event *Event) error {
	return v.ValidateAt(event, time.Now())
}

// ValidateAt checks an event, bounding its timestamp relative to now.
// Failures are returned as *InvalidEventError.
func (v *Validator) ValidateAt(event *Event, now time.Time) error {
	if event == nil {
		return &InvalidEventError{Field: "event", Reason: "is nil"}
	}
	if event.Timestamp.IsZero() {
		return &InvalidEventError{Field: "timestamp", Reason: "is required"}
	}
	if event.Category == "" {
		return &InvalidEventError{Field: "category", Reason: "is required"}
	}

	if err := v.validate.Struct(event); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &InvalidEventError{Field: fe.Field(), Reason: describe(fe)}
		}
		return &InvalidEventError{Field: "event", Reason: err.Error()}
	}

	if v.maxAge > 0 && event.Timestamp.Before(now.Add(-v.maxAge)) {
		return &InvalidEventError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("too old: %v (max age: %v)", event.Timestamp, v.maxAge),
		}
	}
	if v.maxFuture > 0 && event.Timestamp.After(now.Add(v.maxFuture)) {
		return &InvalidEventError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("in future: %v (max future: %v)", event.Timestamp, v.maxFuture),
		}
	}

	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds maximum length " + fe.Param()
	case "ip":
		return "must be an IP address"
	case "event_category":
		return fmt.Sprintf("unknown category %q", fe.Value())
	case "event_level":
		return fmt.Sprintf("unknown level %q", fe.Value())
	}
	return "failed " + fe.Tag() + " check"
}
