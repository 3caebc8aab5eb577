package eventhub

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

var now = time.Now

// Well known metadata keys.
const (
	MetadataCorrelationID = "correlationId"
	MetadataCausationID   = "causationId"
	MetadataUserID        = "userId"
)

// Metadata is the open map carried by every event. Correlation, causation and
// user ids live under the well known keys, everything else is free form.
type Metadata map[string]any

func (m Metadata) str(key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// CorrelationID ties related events across a causal chain.
func (m Metadata) CorrelationID() string { return m.str(MetadataCorrelationID) }

// CausationID is the id of the event that triggered this one.
func (m Metadata) CausationID() string { return m.str(MetadataCausationID) }

// UserID is the acting user.
func (m Metadata) UserID() string { return m.str(MetadataUserID) }

// Clone returns a shallow copy of the metadata.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	maps.Copy(out, m)
	return out
}

// DomainEvent is an immutable record of something that happened to an aggregate.
// Producers build it with NewDomainEvent; the store assigns the version.
type DomainEvent struct {
	id            uuid.UUID
	eventType     string
	aggregateID   string
	aggregateType string
	version       int64
	timestamp     time.Time
	metadata      Metadata
	payload       any
}

// EventOption customises a DomainEvent under construction.
type EventOption func(*DomainEvent)

// NewDomainEvent creates an event with a fresh id and the current time.
//
// Example Usage:
//
//	ev := NewDomainEvent("OrderPlaced", orderID, "Order", OrderPlaced{Total: 42},
//	    WithUserID(userID),
//	)
func NewDomainEvent(eventType, aggregateID, aggregateType string, payload any, opts ...EventOption) DomainEvent {
	ev := DomainEvent{
		id:            uuid.New(),
		eventType:     eventType,
		aggregateID:   aggregateID,
		aggregateType: aggregateType,
		timestamp:     now().UTC(),
		metadata:      Metadata{},
		payload:       payload,
	}
	for _, opt := range opts {
		opt(&ev)
	}
	return ev
}

// WithEventID overrides the generated event id.
func WithEventID(id uuid.UUID) EventOption {
	return func(e *DomainEvent) { e.id = id }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(t time.Time) EventOption {
	return func(e *DomainEvent) { e.timestamp = t.UTC() }
}

// WithCorrelationID sets the correlation id.
func WithCorrelationID(id string) EventOption {
	return WithMetadataValue(MetadataCorrelationID, id)
}

// WithCausationID sets the causation id.
func WithCausationID(id string) EventOption {
	return WithMetadataValue(MetadataCausationID, id)
}

// WithUserID sets the acting user.
func WithUserID(id string) EventOption {
	return WithMetadataValue(MetadataUserID, id)
}

// WithMetadataValue sets a single metadata entry. Empty strings are ignored.
func WithMetadataValue(key string, value any) EventOption {
	return func(e *DomainEvent) {
		if s, ok := value.(string); ok && s == "" {
			return
		}
		e.metadata[key] = value
	}
}

// WithMetadata merges md into the event metadata.
func WithMetadata(md Metadata) EventOption {
	return func(e *DomainEvent) {
		maps.Copy(e.metadata, md)
	}
}

// CausedBy marks the event as a consequence of parent: the correlation id is
// inherited (or started from the parent id) and the causation id is the parent id.
func CausedBy(parent DomainEvent) EventOption {
	return func(e *DomainEvent) {
		correlation := parent.metadata.CorrelationID()
		if correlation == "" {
			correlation = parent.id.String()
		}
		e.metadata[MetadataCorrelationID] = correlation
		e.metadata[MetadataCausationID] = parent.id.String()
	}
}

// WithContextMetadata copies correlation, causation and user ids stored in ctx.
func WithContextMetadata(ctx context.Context) EventOption {
	return func(e *DomainEvent) {
		for key, value := range map[string]string{
			MetadataCorrelationID: CorrelationIDFromContext(ctx),
			MetadataCausationID:   CausationIDFromContext(ctx),
			MetadataUserID:        UserIDFromContext(ctx),
		} {
			if value != "" {
				e.metadata[key] = value
			}
		}
	}
}

// With returns a copy of e with opts applied. The metadata map is copied first,
// so e itself is left untouched.
func (e DomainEvent) With(opts ...EventOption) DomainEvent {
	e.metadata = e.metadata.Clone()
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e DomainEvent) ID() uuid.UUID         { return e.id }
func (e DomainEvent) Type() string          { return e.eventType }
func (e DomainEvent) AggregateID() string   { return e.aggregateID }
func (e DomainEvent) AggregateType() string { return e.aggregateType }

// Version is the per-aggregate sequence number. It is zero until the event is stored.
func (e DomainEvent) Version() int64 { return e.version }

func (e DomainEvent) Timestamp() time.Time { return e.timestamp }

// Metadata returns a copy of the event metadata.
func (e DomainEvent) Metadata() Metadata { return e.metadata.Clone() }

// Payload returns the event specific data. The bus and store never interpret it.
func (e DomainEvent) Payload() any { return e.payload }

// String implements fmt.Stringer.
func (e DomainEvent) String() string {
	return fmt.Sprintf("%s(%s/%s v%d)", e.eventType, e.aggregateType, e.aggregateID, e.version)
}

// Record is the persisted form of a DomainEvent. Position is assigned by the store
// and gives a single total order across all aggregates.
type Record struct {
	Position      int64           `json:"position"`
	EventID       uuid.UUID       `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	EventVersion  int64           `json:"eventVersion"`
	Data          json.RawMessage `json:"eventData"`
	Metadata      Metadata        `json:"metadata"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
}

// NewRecord builds the persisted form of ev at the given version. Position is left
// for the store to fill in.
func NewRecord(ev DomainEvent, version int64) (Record, error) {
	data, err := EncodePayload(ev.payload)
	if err != nil {
		return Record{}, fmt.Errorf("encode payload of %s: %w", ev.eventType, err)
	}
	md := ev.metadata.Clone()
	return Record{
		EventID:       ev.id,
		EventType:     ev.eventType,
		AggregateID:   ev.aggregateID,
		AggregateType: ev.aggregateType,
		EventVersion:  version,
		Data:          data,
		Metadata:      md,
		Timestamp:     ev.timestamp,
		CorrelationID: md.CorrelationID(),
		CausationID:   md.CausationID(),
	}, nil
}

// Event rebuilds a DomainEvent from the record around an already decoded payload.
func (r Record) Event(payload any) DomainEvent {
	md := r.Metadata.Clone()
	if r.CorrelationID != "" {
		md[MetadataCorrelationID] = r.CorrelationID
	}
	if r.CausationID != "" {
		md[MetadataCausationID] = r.CausationID
	}
	return DomainEvent{
		id:            r.EventID,
		eventType:     r.EventType,
		aggregateID:   r.AggregateID,
		aggregateType: r.AggregateType,
		version:       r.EventVersion,
		timestamp:     r.Timestamp,
		metadata:      md,
		payload:       payload,
	}
}

// EncodePayload serialises a payload to JSON. Raw JSON and byte slices pass through.
func EncodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return p, nil
		}
		return json.Marshal(p)
	default:
		return json.Marshal(p)
	}
}

// EventStream is the ordered history of one aggregate.
type EventStream struct {
	AggregateID   string
	AggregateType string
	Events        []Record
	Version       int64
}

// Snapshot is a cached materialisation of an aggregate at Version.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	Data          json.RawMessage
	CreatedAt     time.Time
}
