package otel

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventhub"
)

// Bus is the producer surface of an event bus.
type Bus interface {
	eventhub.Publisher
	eventhub.Republisher
}

var _ Bus = (*TelemetryPublisher)(nil)

// TelemetryPublisher wraps a Bus with producer spans and publish metrics.
// The spans are active while the wrapped bus appends, so a TelemetryStore
// underneath records them as the events' producer.
type TelemetryPublisher struct {
	next Bus
	cfg  *config
}

// WithPublisherTelemetry decorates next.
func WithPublisherTelemetry(next Bus, options ...Option) *TelemetryPublisher {
	return &TelemetryPublisher{next: next, cfg: newConfig(options)}
}

func (t *TelemetryPublisher) Publish(ctx context.Context, event eventhub.DomainEvent) (eventhub.Record, error) {
	ctx, span := tracer.Start(ctx, "publish "+event.Type(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrEventType.String(event.Type()),
			AttrEventID.String(event.ID().String()),
			AttrAggregateID.String(event.AggregateID()),
			AttrAggregateType.String(event.AggregateType()),
		)...),
	)
	defer span.End()

	rec, err := t.next.Publish(ctx, event)
	attrs := metric.WithAttributes(AttrEventType.String(event.Type()))
	if rec.Position > 0 {
		EventsPublished.Add(ctx, 1, attrs)
		span.SetAttributes(AttrEventPosition.Int64(rec.Position), AttrAggregateVersion.Int64(rec.EventVersion))
	}
	if err != nil {
		PublishErrors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rec, err
}

func (t *TelemetryPublisher) PublishAll(ctx context.Context, events []eventhub.DomainEvent) ([]eventhub.Record, error) {
	ctx, span := tracer.Start(ctx, "publish batch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx, AttrEventCount.Int(len(events)))...),
	)
	defer span.End()

	records, err := t.next.PublishAll(ctx, events)
	for _, rec := range records {
		EventsPublished.Add(ctx, 1, metric.WithAttributes(AttrEventType.String(rec.EventType)))
	}
	span.SetAttributes(AttrEventCount.Int(len(records)))
	if err != nil {
		PublishErrors.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return records, err
}

func (t *TelemetryPublisher) Republish(ctx context.Context, record eventhub.Record) error {
	ctx, span := tracer.Start(ctx, "republish "+record.EventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.cfg.attributes(ctx,
			AttrEventType.String(record.EventType),
			AttrEventID.String(record.EventID.String()),
			AttrEventPosition.Int64(record.Position),
		)...),
	)
	defer span.End()

	err := t.next.Republish(ctx, record)
	attrs := metric.WithAttributes(AttrEventType.String(record.EventType))
	EventsRepublished.Add(ctx, 1, attrs)
	if err != nil {
		PublishErrors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
