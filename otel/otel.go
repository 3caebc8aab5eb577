// Package otel instruments the event store, the publisher and event handlers
// with OpenTelemetry spans and metrics. Trace context travels inside event
// metadata, so a handler running on a worker continues the producer's trace.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terraskye/eventhub"
)

const (
	instrumentationName = "github.com/terraskye/eventhub"
)

// Semantic attribute keys following OpenTelemetry conventions
const (
	// Aggregate attributes
	AttrAggregateID      = attribute.Key("eventhub.aggregate.id")
	AttrAggregateType    = attribute.Key("eventhub.aggregate.type")
	AttrAggregateVersion = attribute.Key("eventhub.aggregate.version")
	AttrExpectedVersion  = attribute.Key("eventhub.aggregate.expected_version")

	// Event attributes
	AttrEventType     = attribute.Key("eventhub.event.type")
	AttrEventID       = attribute.Key("eventhub.event.id")
	AttrEventCount    = attribute.Key("eventhub.events.count")
	AttrEventPosition = attribute.Key("eventhub.event.position")

	// Handler attributes
	AttrHandlerName = attribute.Key("eventhub.handler.name")

	// Operation attributes
	AttrOperation = attribute.Key("eventhub.operation")
)

var (
	meter  = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(eventhub.InstrumentationVersion))
	tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(eventhub.InstrumentationVersion))

	// Event store metrics
	EventsAppended, _ = meter.Int64Counter(
		"eventhub.events.appended",
		metric.WithDescription("Number of events appended to the store"),
		metric.WithUnit("{event}"),
	)

	EventsLoaded, _ = meter.Int64Counter(
		"eventhub.events.loaded",
		metric.WithDescription("Number of records read from the store"),
		metric.WithUnit("{event}"),
	)

	EventStoreOperations, _ = meter.Int64Counter(
		"eventhub.eventstore.operations",
		metric.WithDescription("Number of event store operations"),
		metric.WithUnit("{operation}"),
	)

	EventStoreDuration, _ = meter.Float64Histogram(
		"eventhub.eventstore.duration",
		metric.WithDescription("Event store operation duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)

	EventStoreErrors, _ = meter.Int64Counter(
		"eventhub.eventstore.errors",
		metric.WithDescription("Number of event store errors"),
		metric.WithUnit("{error}"),
	)

	ConcurrencyConflicts, _ = meter.Int64Counter(
		"eventhub.concurrency.conflicts",
		metric.WithDescription("Number of optimistic concurrency conflicts"),
		metric.WithUnit("{conflict}"),
	)

	AggregateVersionGauge, _ = meter.Int64Gauge(
		"eventhub.aggregate.version",
		metric.WithDescription("Version of the last appended aggregate"),
		metric.WithUnit("{version}"),
	)

	// Publisher metrics
	EventsPublished, _ = meter.Int64Counter(
		"eventhub.events.published",
		metric.WithDescription("Number of events published to the bus"),
		metric.WithUnit("{event}"),
	)

	EventsRepublished, _ = meter.Int64Counter(
		"eventhub.events.republished",
		metric.WithDescription("Number of stored events delivered again"),
		metric.WithUnit("{event}"),
	)

	PublishErrors, _ = meter.Int64Counter(
		"eventhub.publish.errors",
		metric.WithDescription("Number of failed publish calls"),
		metric.WithUnit("{error}"),
	)

	// Handler metrics
	EventsHandled, _ = meter.Int64Counter(
		"eventhub.handler.handled",
		metric.WithDescription("Number of events handled by subscribers"),
		metric.WithUnit("{event}"),
	)

	HandlerErrors, _ = meter.Int64Counter(
		"eventhub.handler.errors",
		metric.WithDescription("Number of handler errors"),
		metric.WithUnit("{error}"),
	)

	HandlersInFlight, _ = meter.Int64UpDownCounter(
		"eventhub.handler.in_flight",
		metric.WithDescription("Number of events currently being handled"),
		metric.WithUnit("{event}"),
	)

	HandlerDuration, _ = meter.Float64Histogram(
		"eventhub.handler.duration",
		metric.WithDescription("Event handler duration"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000),
	)
)
