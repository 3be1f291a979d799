// Package schema defines the event record consumed by the correlation engine.
// Every event source normalizes its input to this structure before submit.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable, timestamped security occurrence.
type Event struct {
	// Required fields
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Category  Category  `json:"category" validate:"required,event_category"`
	Message   string    `json:"message" validate:"required,max=8192"`

	// Optional fields
	SourceIP string `json:"source_ip,omitempty" validate:"omitempty,ip"`
	AgentID  string `json:"agent_id,omitempty" validate:"max=128"`
	User     string `json:"user,omitempty" validate:"max=256"`
	Level    Level  `json:"level,omitempty" validate:"omitempty,event_level"`

	// Set by the intake path
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Source returns the best identifier for where the event came from:
// the source IP if present, otherwise the agent id.
func (e *Event) Source() string {
	if e.SourceIP != "" {
		return e.SourceIP
	}
	return e.AgentID
}

// ApplyDefaults fills the fields an event source may leave blank.
func (e *Event) ApplyDefaults() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Category = Category(strings.ToLower(strings.TrimSpace(string(e.Category))))
	e.Level = Level(strings.ToLower(strings.TrimSpace(string(e.Level))))
	if e.Level == "" {
		e.Level = LevelInfo
	}
}

// Category classifies an event.
type Category string

const (
	CategoryAuthentication  Category = "authentication"
	CategoryFileAccess      Category = "file_access"
	CategoryNetworkActivity Category = "network_activity"
	CategorySystemEvent     Category = "system_event"
	CategoryApplicationLog  Category = "application_log"
)

// Categories lists every known category in a stable order.
var Categories = []Category{
	CategoryAuthentication,
	CategoryFileAccess,
	CategoryNetworkActivity,
	CategorySystemEvent,
	CategoryApplicationLog,
}

// IsValid checks if the category is a known value.
func (c Category) IsValid() bool {
	switch c {
	case CategoryAuthentication, CategoryFileAccess, CategoryNetworkActivity,
		CategorySystemEvent, CategoryApplicationLog:
		return true
	}
	return false
}

// Level is the severity reported by the event source.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// IsValid checks if the level is a known value.
func (l Level) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}
