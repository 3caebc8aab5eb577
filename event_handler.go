package eventhub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Handler consumes events of a single type. HandlerName must be unique among the
// handlers of that type; it identifies the subscription in jobs, logs and metrics.
type Handler interface {
	EventType() string
	HandlerName() string
	Handle(ctx context.Context, event DomainEvent) error
}

// RetryPolicyProvider is implemented by handlers that carry their own retry policy.
type RetryPolicyProvider interface {
	RetryPolicy() *RetryPolicy
}

// HandlerFunc is the plain function form of Handler.Handle.
type HandlerFunc func(ctx context.Context, event DomainEvent) error

// HandlerMiddleware decorates a Handler, for example with tracing or logging.
type HandlerMiddleware func(Handler) Handler

// HandlerOption configures handlers built by NewHandler and OnEvent.
type HandlerOption func(*funcHandler)

// WithRetryPolicy attaches a retry policy to the handler.
func WithRetryPolicy(policy RetryPolicy) HandlerOption {
	return func(h *funcHandler) { h.policy = &policy }
}

type funcHandler struct {
	eventType string
	name      string
	fn        HandlerFunc
	policy    *RetryPolicy
}

func (h *funcHandler) EventType() string                                { return h.eventType }
func (h *funcHandler) HandlerName() string                              { return h.name }
func (h *funcHandler) Handle(ctx context.Context, ev DomainEvent) error { return h.fn(ctx, ev) }
func (h *funcHandler) RetryPolicy() *RetryPolicy                        { return h.policy }

// NewHandler creates a Handler from a plain function.
//
// Example Usage:
//
//	h := NewHandler("OrderPlaced", "send-confirmation", func(ctx context.Context, ev DomainEvent) error {
//	    return mailer.Confirm(ctx, ev.AggregateID())
//	})
func NewHandler(eventType, name string, fn HandlerFunc, opts ...HandlerOption) Handler {
	h := &funcHandler{eventType: eventType, name: name, fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnEvent creates a Handler whose function receives the payload as T.
//
// Payloads decoded by the registry arrive as T directly. Raw JSON payloads (from
// a fallback decoder) are unmarshalled into T. Any other payload type is a
// permanent failure wrapping ErrUnexpectedPayload, so it is not retried.
//
// Example Usage:
//
//	h := OnEvent("OrderPlaced", "projector", func(ctx context.Context, ev DomainEvent, p OrderPlaced) error {
//	    return view.Apply(ctx, ev.AggregateID(), p)
//	})
func OnEvent[T any](eventType, name string, fn func(ctx context.Context, ev DomainEvent, payload T) error, opts ...HandlerOption) Handler {
	return NewHandler(eventType, name, func(ctx context.Context, ev DomainEvent) error {
		payload, err := PayloadAs[T](ev)
		if err != nil {
			return Permanent(err)
		}
		return fn(ctx, ev, payload)
	}, opts...)
}

// PayloadAs returns the payload of ev as T.
func PayloadAs[T any](ev DomainEvent) (T, error) {
	var zero T
	switch p := ev.Payload().(type) {
	case T:
		return p, nil
	case *T:
		if p != nil {
			return *p, nil
		}
	case json.RawMessage:
		var v T
		if err := json.Unmarshal(p, &v); err != nil {
			return zero, fmt.Errorf("%w: %s: %v", ErrUnexpectedPayload, ev.Type(), err)
		}
		return v, nil
	}
	return zero, fmt.Errorf("%w: %s carries %T, want %T", ErrUnexpectedPayload, ev.Type(), ev.Payload(), zero)
}

// Decorate returns a handler with the identity and retry policy of h whose Handle
// runs fn. Middleware uses it to wrap the call without losing the handler's name.
func Decorate(h Handler, fn HandlerFunc) Handler {
	return &decorated{inner: h, fn: fn}
}

type decorated struct {
	inner Handler
	fn    HandlerFunc
}

func (d *decorated) EventType() string                                { return d.inner.EventType() }
func (d *decorated) HandlerName() string                              { return d.inner.HandlerName() }
func (d *decorated) Handle(ctx context.Context, ev DomainEvent) error { return d.fn(ctx, ev) }

func (d *decorated) RetryPolicy() *RetryPolicy {
	if p, ok := d.inner.(RetryPolicyProvider); ok {
		return p.RetryPolicy()
	}
	return nil
}

// Chain applies middleware so that the first one is the outermost.
func Chain(h Handler, middleware ...HandlerMiddleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
