package eventhub_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/fixtures"
)

func TestOnEvent_TypedPayload(t *testing.T) {
	var got fixtures.OrderPlaced
	h := eventhub.OnEvent(fixtures.OrderPlacedType, "projector",
		func(ctx context.Context, ev eventhub.DomainEvent, p fixtures.OrderPlaced) error {
			got = p
			return nil
		})

	if err := h.Handle(t.Context(), fixtures.PlaceOrder("o1", 9)); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got.OrderID != "o1" || got.Total != 9 {
		t.Errorf("unexpected payload %+v", got)
	}
	if h.EventType() != fixtures.OrderPlacedType || h.HandlerName() != "projector" {
		t.Errorf("unexpected identity %s/%s", h.EventType(), h.HandlerName())
	}
}

func TestOnEvent_RawJSONPayload(t *testing.T) {
	var got fixtures.OrderShipped
	h := eventhub.OnEvent(fixtures.OrderShippedType, "notifier",
		func(ctx context.Context, ev eventhub.DomainEvent, p fixtures.OrderShipped) error {
			got = p
			return nil
		})

	ev := eventhub.NewDomainEvent(fixtures.OrderShippedType, "o1", fixtures.OrderAggregate,
		json.RawMessage(`{"orderId":"o1","carrier":"dhl"}`))
	if err := h.Handle(t.Context(), ev); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if got.Carrier != "dhl" {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestOnEvent_UnexpectedPayloadIsPermanent(t *testing.T) {
	calls := 0
	h := eventhub.OnEvent(fixtures.OrderPlacedType, "projector",
		func(ctx context.Context, ev eventhub.DomainEvent, p fixtures.OrderPlaced) error {
			calls++
			return nil
		},
		eventhub.WithRetryPolicy(eventhub.RetryPolicy{MaxRetries: 3}),
	)

	ev := eventhub.NewDomainEvent(fixtures.OrderPlacedType, "o1", fixtures.OrderAggregate, 42)
	err := eventhub.WithRetry(h, eventhub.PolicyFor(h, nil)).Handle(t.Context(), ev)

	var handlerErr *eventhub.HandlerError
	if !errors.As(err, &handlerErr) || handlerErr.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %v", err)
	}
	if !errors.Is(err, eventhub.ErrUnexpectedPayload) {
		t.Errorf("expected ErrUnexpectedPayload, got %v", err)
	}
	if calls != 0 {
		t.Error("handler function must not run with a mismatched payload")
	}
}

func TestPayloadAs_Pointer(t *testing.T) {
	ev := eventhub.NewDomainEvent(fixtures.OrderPlacedType, "o1", fixtures.OrderAggregate, &fixtures.OrderPlaced{OrderID: "o1"})
	p, err := eventhub.PayloadAs[fixtures.OrderPlaced](ev)
	if err != nil || p.OrderID != "o1" {
		t.Errorf("expected pointer payload to be dereferenced, got %+v (%v)", p, err)
	}
}

func TestDecorate_KeepsIdentity(t *testing.T) {
	inner := fixtures.NewRecordingHandler(fixtures.OrderPlacedType, "projector").
		WithPolicy(eventhub.RetryPolicy{MaxRetries: 2})
	called := false
	d := eventhub.Decorate(inner, func(ctx context.Context, ev eventhub.DomainEvent) error {
		called = true
		return inner.Handle(ctx, ev)
	})

	if d.HandlerName() != "projector" || d.EventType() != fixtures.OrderPlacedType {
		t.Errorf("unexpected identity %s/%s", d.EventType(), d.HandlerName())
	}
	if p := eventhub.PolicyFor(d, nil); p == nil || p.MaxRetries != 2 {
		t.Errorf("expected the inner retry policy, got %+v", p)
	}
	if err := d.Handle(t.Context(), fixtures.PlaceOrder("o1", 1)); err != nil || !called || inner.Calls() != 1 {
		t.Errorf("decorated call did not reach the handler: %v", err)
	}
}

func TestChain_FirstMiddlewareIsOutermost(t *testing.T) {
	var order []string
	mw := func(name string) eventhub.HandlerMiddleware {
		return func(next eventhub.Handler) eventhub.Handler {
			return eventhub.Decorate(next, func(ctx context.Context, ev eventhub.DomainEvent) error {
				order = append(order, name)
				return next.Handle(ctx, ev)
			})
		}
	}
	h := eventhub.NewHandler(fixtures.OrderPlacedType, "h", func(ctx context.Context, ev eventhub.DomainEvent) error {
		order = append(order, "handler")
		return nil
	})

	if err := eventhub.Chain(h, mw("outer"), mw("inner")).Handle(t.Context(), fixtures.PlaceOrder("o1", 1)); err != nil {
		t.Fatal(err)
	}
	if want := []string{"outer", "inner", "handler"}; !slices.Equal(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}
