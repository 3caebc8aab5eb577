package fixtures

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/terraskye/eventhub"
)

// ErrHandlerFailed is returned by RecordingHandler when configured to fail.
var ErrHandlerFailed = errors.New("handler failed")

// RecordingHandler records every event it sees. It can be told to fail the first
// N calls, or to fail for specific events.
type RecordingHandler struct {
	eventType string
	name      string
	policy    *eventhub.RetryPolicy

	mu       sync.Mutex
	calls    int
	events   []eventhub.DomainEvent
	failLeft int
	failFor  map[uuid.UUID]bool
	onHandle func(ev eventhub.DomainEvent)
}

// NewRecordingHandler creates a handler for eventType named name.
func NewRecordingHandler(eventType, name string) *RecordingHandler {
	return &RecordingHandler{eventType: eventType, name: name, failFor: make(map[uuid.UUID]bool)}
}

// FailTimes makes the next n calls fail with ErrHandlerFailed.
func (h *RecordingHandler) FailTimes(n int) *RecordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failLeft = n
	return h
}

// FailFor makes every call for the given event id fail.
func (h *RecordingHandler) FailFor(id uuid.UUID) *RecordingHandler {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failFor[id] = true
	return h
}

// WithPolicy attaches a retry policy.
func (h *RecordingHandler) WithPolicy(p eventhub.RetryPolicy) *RecordingHandler {
	h.policy = &p
	return h
}

// OnHandle registers a callback invoked on every call, before failures apply.
func (h *RecordingHandler) OnHandle(fn func(ev eventhub.DomainEvent)) *RecordingHandler {
	h.onHandle = fn
	return h
}

func (h *RecordingHandler) EventType() string                  { return h.eventType }
func (h *RecordingHandler) HandlerName() string                { return h.name }
func (h *RecordingHandler) RetryPolicy() *eventhub.RetryPolicy { return h.policy }

func (h *RecordingHandler) Handle(ctx context.Context, ev eventhub.DomainEvent) error {
	h.mu.Lock()
	h.calls++
	fn := h.onHandle
	fail := h.failFor[ev.ID()]
	if !fail && h.failLeft > 0 {
		h.failLeft--
		fail = true
	}
	if !fail {
		h.events = append(h.events, ev)
	}
	h.mu.Unlock()

	if fn != nil {
		fn(ev)
	}
	if fail {
		return ErrHandlerFailed
	}
	return nil
}

// Calls returns the number of Handle invocations, failed ones included.
func (h *RecordingHandler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// Events returns the successfully handled events in order.
func (h *RecordingHandler) Events() []eventhub.DomainEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]eventhub.DomainEvent(nil), h.events...)
}

// RepublisherSpy records republished records and can fail selected ones.
type RepublisherSpy struct {
	mu      sync.Mutex
	records []eventhub.Record
	failFor map[uuid.UUID]error
}

func NewRepublisherSpy() *RepublisherSpy {
	return &RepublisherSpy{failFor: make(map[uuid.UUID]error)}
}

// FailFor makes Republish of the given event return err.
func (r *RepublisherSpy) FailFor(id uuid.UUID, err error) *RepublisherSpy {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFor[id] = err
	return r
}

func (r *RepublisherSpy) Republish(ctx context.Context, rec eventhub.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failFor[rec.EventID]; err != nil {
		return err
	}
	r.records = append(r.records, rec)
	return nil
}

// Records returns what was republished successfully.
func (r *RepublisherSpy) Records() []eventhub.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventhub.Record(nil), r.records...)
}
