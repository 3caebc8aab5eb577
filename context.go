package eventhub

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey string

const (
	eventIDKey       ctxKey = "eventID"
	eventTypeKey     ctxKey = "eventType"
	aggregateIDKey   ctxKey = "aggregateID"
	aggregateTypeKey ctxKey = "aggregateType"
	versionKey       ctxKey = "version"
	occurredAtKey    ctxKey = "occurredAt"
	metadataKey      ctxKey = "metadata"
	correlationIDKey ctxKey = "correlationID"
	causationIDKey   ctxKey = "causationID"
	userIDKey        ctxKey = "userID"
)

// WithEvent adds the identity of ev to the context. Handlers receive a context
// prepared this way, so events they produce can pick up the causal chain through
// WithContextMetadata.
func WithEvent(ctx context.Context, ev DomainEvent) context.Context {
	ctx = context.WithValue(ctx, eventIDKey, ev.ID())
	ctx = context.WithValue(ctx, eventTypeKey, ev.Type())
	ctx = context.WithValue(ctx, aggregateIDKey, ev.AggregateID())
	ctx = context.WithValue(ctx, aggregateTypeKey, ev.AggregateType())
	ctx = context.WithValue(ctx, versionKey, ev.Version())
	ctx = context.WithValue(ctx, occurredAtKey, ev.Timestamp())
	ctx = context.WithValue(ctx, metadataKey, ev.Metadata())

	correlation := ev.metadata.CorrelationID()
	if correlation == "" {
		correlation = ev.ID().String()
	}
	ctx = context.WithValue(ctx, correlationIDKey, correlation)
	ctx = context.WithValue(ctx, causationIDKey, ev.ID().String())
	if user := ev.metadata.UserID(); user != "" {
		ctx = context.WithValue(ctx, userIDKey, user)
	}
	return ctx
}

// ContextWithCorrelationID sets the correlation id for events produced under ctx.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextWithCausationID sets the causation id for events produced under ctx.
func ContextWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, causationIDKey, id)
}

// ContextWithUserID sets the acting user for events produced under ctx.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

func stringFromContext(ctx context.Context, key ctxKey) string {
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// EventIDFromContext returns the EventID or uuid.Nil if not present
func EventIDFromContext(ctx context.Context) uuid.UUID {
	if id, ok := ctx.Value(eventIDKey).(uuid.UUID); ok {
		return id
	}
	return uuid.Nil
}

// EventTypeFromContext returns the event type or "" if not present
func EventTypeFromContext(ctx context.Context) string {
	return stringFromContext(ctx, eventTypeKey)
}

// AggregateIDFromContext returns the aggregate id or "" if not present
func AggregateIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, aggregateIDKey)
}

// AggregateTypeFromContext returns the aggregate type or "" if not present
func AggregateTypeFromContext(ctx context.Context) string {
	return stringFromContext(ctx, aggregateTypeKey)
}

// VersionFromContext returns the Version or 0 if not present
func VersionFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(versionKey).(int64); ok {
		return v
	}
	return 0
}

// OccurredAtFromContext returns OccurredAt or zero time if not present
func OccurredAtFromContext(ctx context.Context) time.Time {
	if t, ok := ctx.Value(occurredAtKey).(time.Time); ok {
		return t
	}
	return time.Time{}
}

// MetadataFromContext returns Metadata or nil if not present
func MetadataFromContext(ctx context.Context) Metadata {
	if md, ok := ctx.Value(metadataKey).(Metadata); ok {
		return md
	}
	return nil
}

func CorrelationIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, correlationIDKey)
}

func CausationIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, causationIDKey)
}

func UserIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, userIDKey)
}
