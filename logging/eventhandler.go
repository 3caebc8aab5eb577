// Package logging provides handler middleware that logs every delivery.
package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
)

// WithLogrus logs the start and outcome of every handled event. Successful
// deliveries are logged at debug level, failures at error level.
func WithLogrus(logger *logrus.Entry) eventhub.HandlerMiddleware {
	return func(next eventhub.Handler) eventhub.Handler {
		return eventhub.Decorate(next, func(ctx context.Context, event eventhub.DomainEvent) error {
			l := logger.WithFields(logrus.Fields{
				"handler":        next.HandlerName(),
				"event_id":       event.ID(),
				"event_type":     event.Type(),
				"aggregate_id":   event.AggregateID(),
				"aggregate_type": event.AggregateType(),
				"version":        event.Version(),
				"correlation_id": eventhub.CorrelationIDFromContext(ctx),
			})

			l.Debug("event processing started")
			start := time.Now()

			err := next.Handle(ctx, event)
			l = l.WithField("duration", time.Since(start))
			if err != nil {
				l.WithError(err).Error("error processing event")
			} else {
				l.Debug("event processed successfully")
			}
			return err
		})
	}
}

// WithSlog is WithLogrus for log/slog.
func WithSlog(logger *slog.Logger) eventhub.HandlerMiddleware {
	return func(next eventhub.Handler) eventhub.Handler {
		return eventhub.Decorate(next, func(ctx context.Context, event eventhub.DomainEvent) error {
			l := logger.With(
				"handler", next.HandlerName(),
				"event-id", event.ID().String(),
				"event-type", event.Type(),
				"aggregate-id", event.AggregateID(),
				"version", event.Version(),
				"causation", eventhub.CausationIDFromContext(ctx),
			)

			l.DebugContext(ctx, "event processing started")

			err := next.Handle(ctx, event)

			if err != nil {
				l.ErrorContext(ctx, "error processing event", "error", err)
			} else {
				l.DebugContext(ctx, "event processed successfully")
			}

			return err
		})
	}
}
