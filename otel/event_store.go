package otel

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventhub"
)

var _ eventhub.EventStore = (*TelemetryStore)(nil)

// TelemetryStore wraps an EventStore with a client span and metrics per call.
// Appends additionally write the active trace context into the metadata of
// every event.
type TelemetryStore struct {
	next eventhub.EventStore
	cfg  *config
}

// WithEventStoreTelemetry decorates next.
//
// Example Usage:
//
//	store := otel.WithEventStoreTelemetry(sqlstore.New(db, dialect))
func WithEventStoreTelemetry(next eventhub.EventStore, options ...Option) *TelemetryStore {
	return &TelemetryStore{next: next, cfg: newConfig(options)}
}

func (t *TelemetryStore) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(err error)) {
	ctx, span := tracer.Start(ctx, "EventStore."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.cfg.attributes(ctx, append(attrs, AttrOperation.String(op))...)...),
	)
	startedAt := time.Now()

	return ctx, span, func(err error) {
		opAttr := metric.WithAttributes(AttrOperation.String(op))
		EventStoreDuration.Record(ctx, float64(time.Since(startedAt).Milliseconds()), opAttr)
		EventStoreOperations.Add(ctx, 1, opAttr)
		if err != nil && !errors.Is(err, eventhub.ErrSnapshotNotFound) {
			EventStoreErrors.Add(ctx, 1, opAttr)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AppendEvents with metrics + span
func (t *TelemetryStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []eventhub.DomainEvent, opts ...eventhub.AppendOption) ([]eventhub.Record, error) {
	ctx, span, end := t.start(ctx, "AppendEvents",
		AttrAggregateID.String(aggregateID),
		AttrAggregateType.String(aggregateType),
		AttrEventCount.Int(len(events)),
		AttrExpectedVersion.String(eventhub.NewAppendOptions(opts...).ExpectedVersion.String()),
	)

	if t.cfg.Propagate {
		events = inject(ctx, span, events)
	}

	records, err := t.next.AppendEvents(ctx, aggregateID, aggregateType, events, opts...)
	end(err)

	if err != nil {
		if errors.Is(err, eventhub.ErrConcurrencyConflict) {
			ConcurrencyConflicts.Add(ctx, 1, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
		}
		return records, err
	}

	EventsAppended.Add(ctx, int64(len(records)), metric.WithAttributes(AttrAggregateType.String(aggregateType)))
	if n := len(records); n > 0 {
		last := records[n-1]
		span.SetAttributes(AttrAggregateVersion.Int64(last.EventVersion), AttrEventPosition.Int64(last.Position))
		AggregateVersionGauge.Record(ctx, last.EventVersion, metric.WithAttributes(AttrAggregateType.String(aggregateType)))
	}
	return records, nil
}

// inject copies the trace context into each event. A missing correlation id
// is filled with the trace id so log lines and traces can be joined.
func inject(ctx context.Context, span trace.Span, events []eventhub.DomainEvent) []eventhub.DomainEvent {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	md := eventhub.Metadata{}
	for key, value := range carrier {
		md[key] = value
	}

	out := make([]eventhub.DomainEvent, len(events))
	for i, ev := range events {
		opts := []eventhub.EventOption{eventhub.WithMetadata(md)}
		if ev.Metadata().CorrelationID() == "" && span.SpanContext().HasTraceID() {
			opts = append(opts, eventhub.WithCorrelationID(span.SpanContext().TraceID().String()))
		}
		out[i] = ev.With(opts...)
	}
	return out
}

func (t *TelemetryStore) loaded(ctx context.Context, span trace.Span, op string, n int) {
	span.SetAttributes(AttrEventCount.Int(n))
	EventsLoaded.Add(ctx, int64(n), metric.WithAttributes(AttrOperation.String(op)))
}

func (t *TelemetryStore) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) ([]eventhub.Record, error) {
	ctx, span, end := t.start(ctx, "GetEvents", AttrAggregateID.String(aggregateID), AttrAggregateType.String(aggregateType))
	records, err := t.next.GetEvents(ctx, aggregateID, aggregateType, fromVersion)
	t.loaded(ctx, span, "GetEvents", len(records))
	end(err)
	return records, err
}

func (t *TelemetryStore) GetEventStream(ctx context.Context, aggregateID, aggregateType string) (eventhub.EventStream, error) {
	ctx, span, end := t.start(ctx, "GetEventStream", AttrAggregateID.String(aggregateID), AttrAggregateType.String(aggregateType))
	stream, err := t.next.GetEventStream(ctx, aggregateID, aggregateType)
	t.loaded(ctx, span, "GetEventStream", len(stream.Events))
	span.SetAttributes(AttrAggregateVersion.Int64(stream.Version))
	end(err)
	return stream, err
}

func (t *TelemetryStore) QueryEvents(ctx context.Context, q eventhub.Query) ([]eventhub.Record, error) {
	ctx, span, end := t.start(ctx, "QueryEvents")
	records, err := t.next.QueryEvents(ctx, q)
	t.loaded(ctx, span, "QueryEvents", len(records))
	end(err)
	return records, err
}

func (t *TelemetryStore) CountEvents(ctx context.Context, q eventhub.Query) (int, error) {
	ctx, _, end := t.start(ctx, "CountEvents")
	n, err := t.next.CountEvents(ctx, q)
	end(err)
	return n, err
}

func (t *TelemetryStore) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]eventhub.Record, error) {
	ctx, span, end := t.start(ctx, "GetAllEvents", AttrEventPosition.Int64(fromPosition))
	records, err := t.next.GetAllEvents(ctx, fromPosition, limit)
	t.loaded(ctx, span, "GetAllEvents", len(records))
	end(err)
	return records, err
}

func (t *TelemetryStore) GetAggregateVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	ctx, _, end := t.start(ctx, "GetAggregateVersion", AttrAggregateID.String(aggregateID), AttrAggregateType.String(aggregateType))
	v, err := t.next.GetAggregateVersion(ctx, aggregateID, aggregateType)
	end(err)
	return v, err
}

func (t *TelemetryStore) AggregateExists(ctx context.Context, aggregateID, aggregateType string) (bool, error) {
	ctx, _, end := t.start(ctx, "AggregateExists", AttrAggregateID.String(aggregateID), AttrAggregateType.String(aggregateType))
	ok, err := t.next.AggregateExists(ctx, aggregateID, aggregateType)
	end(err)
	return ok, err
}

func (t *TelemetryStore) CreateSnapshot(ctx context.Context, snapshot eventhub.Snapshot) error {
	ctx, _, end := t.start(ctx, "CreateSnapshot",
		AttrAggregateID.String(snapshot.AggregateID),
		AttrAggregateType.String(snapshot.AggregateType),
		AttrAggregateVersion.Int64(snapshot.Version),
	)
	err := t.next.CreateSnapshot(ctx, snapshot)
	end(err)
	return err
}

func (t *TelemetryStore) GetSnapshot(ctx context.Context, aggregateID, aggregateType string) (eventhub.Snapshot, error) {
	ctx, _, end := t.start(ctx, "GetSnapshot", AttrAggregateID.String(aggregateID), AttrAggregateType.String(aggregateType))
	snap, err := t.next.GetSnapshot(ctx, aggregateID, aggregateType)
	end(err)
	return snap, err
}

// Close just forwards
func (t *TelemetryStore) Close() error {
	return t.next.Close()
}
