package eventing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event payload with routing metadata for external
// sinks.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Source        string          `json:"source"`
	Key           string          `json:"key,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID    string
	Source     string
	Key        string
	OccurredAt time.Time
}

// BuildEnvelope marshals payload into an envelope of eventType.
func BuildEnvelope(eventType string, payload any, meta Meta) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, errors.New("eventing: empty event type")
	}
	if payload == nil {
		return Envelope{}, errors.New("eventing: nil payload")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}

	occurredAt := meta.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	eventID := meta.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	source := meta.Source
	if source == "" {
		source = "gateway"
	}

	return Envelope{
		EventID:       eventID,
		EventType:     eventType,
		Source:        source,
		Key:           meta.Key,
		OccurredAt:    occurredAt.UTC(),
		SchemaVersion: 1,
		Payload:       raw,
	}, nil
}
