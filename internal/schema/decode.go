package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// DecodeEvent parses one JSON event, applies defaults and stamps ReceivedAt.
// It does not validate; a decode failure is an *InvalidEventError.
func DecodeEvent(data []byte, receivedAt time.Time) (*Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &InvalidEventError{Field: "event", Reason: "empty payload"}
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, &InvalidEventError{Field: "event", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	event.ApplyDefaults()
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = receivedAt.UTC()
	}
	return &event, nil
}
