package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventhub"
)

// WithHandlerTelemetry returns middleware that runs every handler inside a
// consumer span and records handled, error, in-flight and duration metrics.
//
// The producer's trace context is read from the event metadata. When the
// handler context carries no span of its own, as on a queue worker, the
// consumer span becomes a child of the producer span; otherwise the producer
// span is attached as a link.
//
// Example Usage:
//
//	bus := eventbus.New(store, eventbus.WithHandlerMiddleware(otel.WithHandlerTelemetry()))
func WithHandlerTelemetry(options ...Option) eventhub.HandlerMiddleware {
	cfg := newConfig(options)

	return func(next eventhub.Handler) eventhub.Handler {
		return eventhub.Decorate(next, func(ctx context.Context, event eventhub.DomainEvent) error {
			metricAttrs := metric.WithAttributes(
				AttrEventType.String(event.Type()),
				AttrHandlerName.String(next.HandlerName()),
			)

			spanOpts := []trace.SpanStartOption{
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(cfg.attributes(ctx,
					AttrEventType.String(event.Type()),
					AttrEventID.String(event.ID().String()),
					AttrAggregateID.String(event.AggregateID()),
					AttrAggregateType.String(event.AggregateType()),
					AttrAggregateVersion.Int64(event.Version()),
					AttrHandlerName.String(next.HandlerName()),
				)...),
			}

			if cfg.Propagate {
				producer := extract(ctx, event.Metadata())
				if producer.IsValid() {
					if trace.SpanContextFromContext(ctx).IsValid() {
						spanOpts = append(spanOpts, trace.WithLinks(trace.Link{
							SpanContext: producer,
							Attributes:  []attribute.KeyValue{AttrEventID.String(event.ID().String())},
						}))
					} else {
						ctx = trace.ContextWithRemoteSpanContext(ctx, producer)
					}
				}
			}

			ctx, span := tracer.Start(ctx, fmt.Sprintf("%s handle %s", next.HandlerName(), event.Type()), spanOpts...)
			defer span.End()

			HandlersInFlight.Add(ctx, 1, metricAttrs)
			defer HandlersInFlight.Add(ctx, -1, metricAttrs)

			startTime := time.Now()
			err := next.Handle(ctx, event)
			HandlerDuration.Record(ctx, float64(time.Since(startTime).Milliseconds()), metricAttrs)
			EventsHandled.Add(ctx, 1, metricAttrs)

			if err != nil {
				HandlerErrors.Add(ctx, 1, metricAttrs)
				span.SetStatus(codes.Error, err.Error())
				span.RecordError(err)
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		})
	}
}

// extract reads the span context a TelemetryStore stored in md.
func extract(ctx context.Context, md eventhub.Metadata) trace.SpanContext {
	carrier := propagation.MapCarrier{}
	for key, value := range md {
		if s, ok := value.(string); ok {
			carrier[key] = s
		}
	}
	return trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), carrier))
}
