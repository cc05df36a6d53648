package eventing

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Envelope wraps an event payload with the metadata stored in the outbox.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	DeskID        string          `json:"desk_id"`
	AggregateID   string          `json:"aggregate_id"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// Meta provides envelope overrides.
type Meta struct {
	EventID       string
	OccurredAt    time.Time
	CorrelationID string
	DeskID        string
	AggregateID   string
	SchemaVersion int
}

// Keyed events name the aggregate they belong to and when they happened.
// Events that do not implement it need Meta.AggregateID set by the caller.
type Keyed interface {
	EventKey() (aggregateID string, occurredAt time.Time)
}

// BuildEnvelope constructs an envelope from event payload and metadata.
// Meta fields win over the event's own key.
func BuildEnvelope(event any, meta Meta) (Envelope, error) {
	if event == nil {
		return Envelope{}, errors.New("eventing: nil event")
	}
	eventType := reflect.TypeOf(event)
	for eventType.Kind() == reflect.Ptr {
		eventType = eventType.Elem()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventing: encode %s: %w", eventType, err)
	}

	env := Envelope{
		EventID:       meta.EventID,
		EventType:     eventType.String(),
		OccurredAt:    meta.OccurredAt,
		CorrelationID: meta.CorrelationID,
		DeskID:        meta.DeskID,
		AggregateID:   meta.AggregateID,
		SchemaVersion: meta.SchemaVersion,
		Payload:       payload,
	}
	if keyed, ok := event.(Keyed); ok {
		aggregateID, occurredAt := keyed.EventKey()
		if env.AggregateID == "" {
			env.AggregateID = aggregateID
		}
		if env.OccurredAt.IsZero() {
			env.OccurredAt = occurredAt
		}
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now()
	}
	env.OccurredAt = env.OccurredAt.UTC()
	if env.EventID == "" {
		env.EventID = NewEventID()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = 1
	}
	return env, nil
}
