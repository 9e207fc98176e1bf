package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent marks input that can never be processed: required envelope fields
// are missing or have the wrong type. It is a permanent failure.
var ErrMalformedEvent = errors.New("contracts: malformed event")

// ErrInvalidPayload marks an envelope whose payload fails validation. It is a permanent failure.
var ErrInvalidPayload = errors.New("contracts: invalid payload")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

func invalidPayload(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// wireEvent mirrors DomainEvent with pointer fields so absent and null values are detectable.
type wireEvent struct {
	EventID    *string         `json:"event_id"`
	EventType  *string         `json:"event_type"`
	OwnerID    *string         `json:"owner_id"`
	TaskID     *string         `json:"task_id"`
	OccurredAt *string         `json:"occurred_at"`
	Source     *string         `json:"source"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode parses an encoded DomainEvent. Unknown event types decode successfully.
func Decode(data []byte) (DomainEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return DomainEvent{}, malformed("%v", err)
	}

	required := []struct {
		name  string
		value *string
	}{
		{"event_id", w.EventID},
		{"event_type", w.EventType},
		{"owner_id", w.OwnerID},
		{"task_id", w.TaskID},
		{"occurred_at", w.OccurredAt},
		{"source", w.Source},
	}
	for _, field := range required {
		if field.value == nil || strings.TrimSpace(*field.value) == "" {
			return DomainEvent{}, malformed("missing %s", field.name)
		}
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, *w.OccurredAt)
	if err != nil {
		return DomainEvent{}, malformed("occurred_at: %v", err)
	}
	source := Source(*w.Source)
	if !source.Valid() {
		return DomainEvent{}, malformed("unknown source %q", *w.Source)
	}

	payload := bytes.TrimSpace(w.Payload)
	if len(payload) > 0 && string(payload) != "null" && payload[0] != '{' {
		return DomainEvent{}, malformed("payload must be a JSON object")
	}
	if string(payload) == "null" {
		payload = nil
	}

	return DomainEvent{
		EventID:    *w.EventID,
		EventType:  EventType(*w.EventType),
		OwnerID:    *w.OwnerID,
		TaskID:     *w.TaskID,
		OccurredAt: occurredAt.UTC(),
		Source:     source,
		Payload:    payload,
	}, nil
}

// Encode serializes an event. It refuses events that Decode would reject so a producer
// can never put a malformed envelope on the wire.
func Encode(event DomainEvent) ([]byte, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(event)
}

// Validate checks the envelope fields required on the wire.
func (e DomainEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return malformed("missing event_id")
	case strings.TrimSpace(string(e.EventType)) == "":
		return malformed("missing event_type")
	case strings.TrimSpace(e.OwnerID) == "":
		return malformed("missing owner_id")
	case strings.TrimSpace(e.TaskID) == "":
		return malformed("missing task_id")
	case e.OccurredAt.IsZero():
		return malformed("missing occurred_at")
	case !e.Source.Valid():
		return malformed("unknown source %q", e.Source)
	}
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) > 0 && payload[0] != '{' {
		return malformed("payload must be a JSON object")
	}
	return nil
}

// PartitionKey extracts owner_id from an encoded event without validating the rest.
// It returns "" when the owner cannot be read.
func PartitionKey(data []byte) string {
	var probe struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.OwnerID
}
