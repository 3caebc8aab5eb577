package eventhub

import (
	"context"
	"slices"
	"time"
)

// EventStore defines the contract for an append-only, versioned event store.
//
// Implementations must guarantee:
//   - Events for a given aggregate are stored with versions 1..N, no gaps.
//   - The expected version check and the append run in one transaction.
//   - Every stored record gets a unique, increasing global position.
//   - Records are never modified or deleted.
type EventStore interface {
	// AppendEvents atomically persists events for one aggregate. Either all
	// events are stored or none are.
	//
	// Errors:
	//   - ConcurrencyConflictError if WithExpectedVersion does not match.
	//   - ErrNoEvents, ErrInvalidEventBatch for malformed input.
	//   - EventStoreError for any persistence failure.
	AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []DomainEvent, opts ...AppendOption) ([]Record, error)

	// GetEvents returns the aggregate's events with version >= fromVersion in
	// ascending version order.
	GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) ([]Record, error)

	// GetEventStream returns the full history and the current version.
	GetEventStream(ctx context.Context, aggregateID, aggregateType string) (EventStream, error)

	// QueryEvents filters the whole store, ordered by position.
	QueryEvents(ctx context.Context, q Query) ([]Record, error)

	// CountEvents counts the records matching q, ignoring Limit and Offset.
	CountEvents(ctx context.Context, q Query) (int, error)

	// GetAllEvents scans the global order starting at fromPosition (inclusive).
	// A limit <= 0 returns everything.
	GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]Record, error)

	// GetAggregateVersion returns the latest version, 0 if the aggregate has no events.
	GetAggregateVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error)

	AggregateExists(ctx context.Context, aggregateID, aggregateType string) (bool, error)

	// CreateSnapshot upserts the single snapshot of an aggregate.
	CreateSnapshot(ctx context.Context, snapshot Snapshot) error

	// GetSnapshot returns ErrSnapshotNotFound when the aggregate has none.
	GetSnapshot(ctx context.Context, aggregateID, aggregateType string) (Snapshot, error)

	// Close releases resources. Implementations make Close idempotent.
	Close() error
}

// Query filters records. Zero values leave a dimension unbounded; ranges are inclusive.
type Query struct {
	AggregateID    string    `json:"aggregateId,omitempty"`
	AggregateType  string    `json:"aggregateType,omitempty"`
	AggregateIDs   []string  `json:"aggregateIds,omitempty"`
	AggregateTypes []string  `json:"aggregateTypes,omitempty"`
	EventTypes     []string  `json:"eventTypes,omitempty"`
	FromVersion    int64     `json:"fromVersion,omitempty"`
	ToVersion      int64     `json:"toVersion,omitempty"`
	FromTimestamp  time.Time `json:"fromTimestamp,omitzero"`
	ToTimestamp    time.Time `json:"toTimestamp,omitzero"`
	FromPosition   int64     `json:"fromPosition,omitempty"`
	ToPosition     int64     `json:"toPosition,omitempty"`
	Limit          int       `json:"limit,omitempty"`
	Offset         int       `json:"offset,omitempty"`
}

// Matches reports whether r passes every filter of q. Limit and Offset are ignored.
func (q Query) Matches(r Record) bool {
	switch {
	case q.AggregateID != "" && r.AggregateID != q.AggregateID:
		return false
	case q.AggregateType != "" && r.AggregateType != q.AggregateType:
		return false
	case len(q.AggregateIDs) > 0 && !slices.Contains(q.AggregateIDs, r.AggregateID):
		return false
	case len(q.AggregateTypes) > 0 && !slices.Contains(q.AggregateTypes, r.AggregateType):
		return false
	case len(q.EventTypes) > 0 && !slices.Contains(q.EventTypes, r.EventType):
		return false
	case q.FromVersion > 0 && r.EventVersion < q.FromVersion:
		return false
	case q.ToVersion > 0 && r.EventVersion > q.ToVersion:
		return false
	case !q.FromTimestamp.IsZero() && r.Timestamp.Before(q.FromTimestamp):
		return false
	case !q.ToTimestamp.IsZero() && r.Timestamp.After(q.ToTimestamp):
		return false
	case q.FromPosition > 0 && r.Position < q.FromPosition:
		return false
	case q.ToPosition > 0 && r.Position > q.ToPosition:
		return false
	}
	return true
}
