// Package sink forwards events to external brokers. The subpackages provide
// bus handlers for Kafka and AMQP that publish the Envelope of every event.
package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/terraskye/eventhub"
)

// Envelope is the wire form of an event leaving the process.
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventType     string            `json:"event_type"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	Version       int64             `json:"version"`
	OccurredAt    time.Time         `json:"occurred_at"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	CausationID   string            `json:"causation_id,omitempty"`
	Metadata      eventhub.Metadata `json:"metadata,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// NewEnvelope encodes ev. Encoding failures are permanent, retrying cannot fix them.
func NewEnvelope(ev eventhub.DomainEvent) (Envelope, error) {
	payload, err := eventhub.EncodePayload(ev.Payload())
	if err != nil {
		return Envelope{}, eventhub.Permanent(fmt.Errorf("encode %s payload: %w", ev.Type(), err))
	}
	md := ev.Metadata()
	return Envelope{
		EventID:       ev.ID().String(),
		EventType:     ev.Type(),
		AggregateType: ev.AggregateType(),
		AggregateID:   ev.AggregateID(),
		Version:       ev.Version(),
		OccurredAt:    ev.Timestamp(),
		CorrelationID: md.CorrelationID(),
		CausationID:   md.CausationID(),
		Metadata:      md,
		Payload:       payload,
	}, nil
}

// Marshal returns the envelope of ev as JSON.
func Marshal(ev eventhub.DomainEvent) ([]byte, Envelope, error) {
	env, err := NewEnvelope(ev)
	if err != nil {
		return nil, env, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, env, eventhub.Permanent(fmt.Errorf("marshal %s envelope: %w", ev.Type(), err))
	}
	return body, env, nil
}
