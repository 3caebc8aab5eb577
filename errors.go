package eventhub

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict is matched by every ConcurrencyConflictError.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNoEvents is returned when appending an empty batch.
	ErrNoEvents = errors.New("no events to append")
	// ErrInvalidEventBatch is returned when a batch mixes aggregates.
	ErrInvalidEventBatch = errors.New("invalid event batch")
	// ErrSnapshotNotFound is returned when an aggregate has no snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotVersion is returned when a snapshot is ahead of its aggregate.
	ErrSnapshotVersion = errors.New("snapshot version exceeds aggregate version")
	// ErrUnknownEventType is returned when no decoder is registered for an event type.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrDuplicateEventType is returned when registering an event type twice.
	ErrDuplicateEventType = errors.New("event type already registered")
	// ErrUnexpectedPayload is returned when a typed handler receives a payload of another type.
	ErrUnexpectedPayload = errors.New("unexpected payload type")
	// ErrDuplicateHandler is returned when a handler name is subscribed twice to one event type.
	ErrDuplicateHandler = errors.New("duplicate handler")
	// ErrHandlerNotFound is returned when unsubscribing an unknown handler.
	ErrHandlerNotFound = errors.New("handler not found")
	// ErrBusNotRunning is returned by publish operations while the bus is stopped.
	ErrBusNotRunning = errors.New("event bus is not running")
	// ErrDuplicateEventID is returned when an event id is already stored.
	ErrDuplicateEventID = errors.New("duplicate event id")
	// ErrStoreClosed is returned by a store after Close.
	ErrStoreClosed = errors.New("event store is closed")
)

// ConcurrencyConflictError reports an optimistic concurrency failure. Nothing was
// written; the caller decides whether to reload and retry.
type ConcurrencyConflictError struct {
	AggregateID   string
	AggregateType string
	Expected      StreamState
	Actual        int64
}

func (e *ConcurrencyConflictError) Error() string {
	expected := "unknown"
	if e.Expected != nil {
		expected = e.Expected.String()
	}
	return fmt.Sprintf("concurrency conflict on %s %q: expected version %s, actual %d",
		e.AggregateType, e.AggregateID, expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// EventStoreError wraps a persistence failure of the underlying datastore.
type EventStoreError struct {
	Op  string
	Err error
}

func (e *EventStoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("eventstore error: %v", e.Err)
	}
	return fmt.Sprintf("eventstore %s: %v", e.Op, e.Err)
}

func (e *EventStoreError) Unwrap() error {
	return e.Err
}

// WrapEventStoreError wraps err unless it is nil or already classified.
func WrapEventStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *EventStoreError
	if errors.As(err, &storeErr) || errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	return &EventStoreError{Op: op, Err: err}
}

// DecodeError reports a stored record whose payload could not be turned back
// into a typed event.
type DecodeError struct {
	EventID   uuid.UUID
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// HandlerError reports a handler that still failed after its retry budget.
type HandlerError struct {
	HandlerName string
	EventID     uuid.UUID
	Attempts    int
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %q failed on event %s after %d attempt(s): %v",
		e.HandlerName, e.EventID, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PublishStage names the step of publication that failed.
type PublishStage string

const (
	StageAppend   PublishStage = "append"
	StageDispatch PublishStage = "dispatch"
	StageEnqueue  PublishStage = "enqueue"
)

// PublishError reports which stage of a publish failed. Only StageAppend means
// the event was not recorded.
type PublishError struct {
	Stage   PublishStage
	EventID uuid.UUID
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish event %s: %s failed: %v", e.EventID, e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Recorded reports whether the event is durably stored despite the error.
func (e *PublishError) Recorded() bool {
	return e.Stage != StageAppend
}

// DispatchError reports a synchronous subscriber failure.
type DispatchError struct {
	HandlerName string
	Err         error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("subscriber %q: %v", e.HandlerName, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// AggregateFailure is one failed group of a PublishAll call.
type AggregateFailure struct {
	AggregateID   string
	AggregateType string
	EventIDs      []uuid.UUID
	Err           error
}

// PublishAllError lists the aggregates whose events were not published. Groups
// not listed here were stored and dispatched.
type PublishAllError struct {
	Failures []AggregateFailure
}

func (e *PublishAllError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s %q: %v", f.AggregateType, f.AggregateID, f.Err))
	}
	return fmt.Sprintf("publish all: %d aggregate(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *PublishAllError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
