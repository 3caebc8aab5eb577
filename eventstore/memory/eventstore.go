package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/terraskye/eventhub"
)

type streamKey struct {
	aggregateType string
	aggregateID   string
}

// MemoryStore keeps the whole log in process. A single mutex serialises appends,
// which gives the per-aggregate exclusion the expected version check needs.
type MemoryStore struct {
	mu        sync.RWMutex
	closed    bool
	global    []eventhub.Record
	streams   map[streamKey][]int
	eventIDs  map[string]struct{}
	snapshots map[streamKey]eventhub.Snapshot
	clock     func() time.Time
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides the clock used for snapshot creation times.
func WithClock(clock func() time.Time) Option {
	return func(m *MemoryStore) { m.clock = clock }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	m := &MemoryStore{
		streams:   make(map[streamKey][]int),
		eventIDs:  make(map[string]struct{}),
		snapshots: make(map[streamKey]eventhub.Snapshot),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ eventhub.EventStore = (*MemoryStore)(nil)

func (m *MemoryStore) AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []eventhub.DomainEvent, opts ...eventhub.AppendOption) ([]eventhub.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventhub.ErrNoEvents
	}
	for i, ev := range events {
		if ev.AggregateID() != aggregateID || ev.AggregateType() != aggregateType {
			return nil, fmt.Errorf(
				"append to %s %q: %w: event %d belongs to %s %q",
				aggregateType, aggregateID, eventhub.ErrInvalidEventBatch, i, ev.AggregateType(), ev.AggregateID(),
			)
		}
	}
	options := eventhub.NewAppendOptions(opts...)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, eventhub.ErrStoreClosed
	}

	key := streamKey{aggregateType: aggregateType, aggregateID: aggregateID}
	current := int64(len(m.streams[key]))
	if !options.ExpectedVersion.Check(current) {
		return nil, &eventhub.ConcurrencyConflictError{
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			Expected:      options.ExpectedVersion,
			Actual:        current,
		}
	}

	// Build the full batch before touching state so a bad payload leaves nothing behind.
	records := make([]eventhub.Record, 0, len(events))
	position := int64(len(m.global))
	seen := make(map[string]struct{}, len(events))
	for i, ev := range events {
		rec, err := eventhub.NewRecord(ev, current+int64(i)+1)
		if err != nil {
			return nil, eventhub.WrapEventStoreError("append", err)
		}
		id := rec.EventID.String()
		_, stored := m.eventIDs[id]
		_, batched := seen[id]
		if stored || batched {
			return nil, eventhub.WrapEventStoreError("append", fmt.Errorf("%w %s", eventhub.ErrDuplicateEventID, rec.EventID))
		}
		seen[id] = struct{}{}
		position++
		rec.Position = position
		records = append(records, rec)
	}

	for _, rec := range records {
		m.streams[key] = append(m.streams[key], len(m.global))
		m.global = append(m.global, rec)
		m.eventIDs[rec.EventID.String()] = struct{}{}
	}
	return cloneRecords(records), nil
}

func (m *MemoryStore) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int64) ([]eventhub.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, eventhub.ErrStoreClosed
	}

	idx := m.streams[streamKey{aggregateType: aggregateType, aggregateID: aggregateID}]
	out := make([]eventhub.Record, 0, len(idx))
	for _, i := range idx {
		if m.global[i].EventVersion >= fromVersion {
			out = append(out, m.global[i])
		}
	}
	return cloneRecords(out), nil
}

func (m *MemoryStore) GetEventStream(ctx context.Context, aggregateID, aggregateType string) (eventhub.EventStream, error) {
	events, err := m.GetEvents(ctx, aggregateID, aggregateType, 0)
	if err != nil {
		return eventhub.EventStream{}, err
	}
	stream := eventhub.EventStream{AggregateID: aggregateID, AggregateType: aggregateType, Events: events}
	if n := len(events); n > 0 {
		stream.Version = events[n-1].EventVersion
	}
	return stream, nil
}

func (m *MemoryStore) QueryEvents(ctx context.Context, q eventhub.Query) ([]eventhub.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, eventhub.ErrStoreClosed
	}

	var out []eventhub.Record
	skipped := 0
	for _, rec := range m.global {
		if !q.Matches(rec) {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return cloneRecords(out), nil
}

func (m *MemoryStore) CountEvents(ctx context.Context, q eventhub.Query) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, eventhub.ErrStoreClosed
	}

	n := 0
	for _, rec := range m.global {
		if q.Matches(rec) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]eventhub.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, eventhub.ErrStoreClosed
	}

	// Positions are 1-based indexes into global.
	start := max(fromPosition-1, 0)
	if start >= int64(len(m.global)) {
		return []eventhub.Record{}, nil
	}
	end := int64(len(m.global))
	if limit > 0 && start+int64(limit) < end {
		end = start + int64(limit)
	}
	return cloneRecords(m.global[start:end]), nil
}

func (m *MemoryStore) GetAggregateVersion(ctx context.Context, aggregateID, aggregateType string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, eventhub.ErrStoreClosed
	}
	return int64(len(m.streams[streamKey{aggregateType: aggregateType, aggregateID: aggregateID}])), nil
}

func (m *MemoryStore) AggregateExists(ctx context.Context, aggregateID, aggregateType string) (bool, error) {
	v, err := m.GetAggregateVersion(ctx, aggregateID, aggregateType)
	return v > 0, err
}

func (m *MemoryStore) CreateSnapshot(ctx context.Context, snapshot eventhub.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return eventhub.ErrStoreClosed
	}

	key := streamKey{aggregateType: snapshot.AggregateType, aggregateID: snapshot.AggregateID}
	if current := int64(len(m.streams[key])); snapshot.Version > current || snapshot.Version < 0 {
		return fmt.Errorf("snapshot %s %q at version %d (aggregate at %d): %w",
			snapshot.AggregateType, snapshot.AggregateID, snapshot.Version, current, eventhub.ErrSnapshotVersion)
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = m.clock().UTC()
	}
	snapshot.Data = append([]byte(nil), snapshot.Data...)
	m.snapshots[key] = snapshot
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, aggregateID, aggregateType string) (eventhub.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return eventhub.Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return eventhub.Snapshot{}, eventhub.ErrStoreClosed
	}

	snap, ok := m.snapshots[streamKey{aggregateType: aggregateType, aggregateID: aggregateID}]
	if !ok {
		return eventhub.Snapshot{}, fmt.Errorf("snapshot %s %q: %w", aggregateType, aggregateID, eventhub.ErrSnapshotNotFound)
	}
	snap.Data = append([]byte(nil), snap.Data...)
	return snap, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// cloneRecords copies records so callers cannot mutate stored data or metadata.
func cloneRecords(in []eventhub.Record) []eventhub.Record {
	out := make([]eventhub.Record, len(in))
	for i, rec := range in {
		rec.Data = append([]byte(nil), rec.Data...)
		rec.Metadata = rec.Metadata.Clone()
		out[i] = rec
	}
	return out
}
