package memory_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/eventstore/memory"
	"github.com/terraskye/eventhub/fixtures"
)

func appendOne(t *testing.T, store *memory.MemoryStore, ev eventhub.DomainEvent, opts ...eventhub.AppendOption) eventhub.Record {
	t.Helper()
	recs, err := store.AppendEvents(t.Context(), ev.AggregateID(), ev.AggregateType(), []eventhub.DomainEvent{ev}, opts...)
	if err != nil {
		t.Fatalf("append %s: %v", ev, err)
	}
	return recs[0]
}

// AppendEvents Tests

func TestAppendEvents_EmptySlice(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	_, err := store.AppendEvents(t.Context(), "order-1", "Order", nil)
	if !errors.Is(err, eventhub.ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
}

func TestAppendEvents_AssignsVersionsAndPositions(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	events := fixtures.NewEvent().WithType(fixtures.ItemAddedType).BuildN(3)
	recs, err := store.AppendEvents(t.Context(), "order-1", "Order", events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.EventVersion != int64(i+1) {
			t.Errorf("record %d: expected version %d, got %d", i, i+1, rec.EventVersion)
		}
		if rec.Position != int64(i+1) {
			t.Errorf("record %d: expected position %d, got %d", i, i+1, rec.Position)
		}
		if rec.EventID != events[i].ID() {
			t.Errorf("record %d: event id not preserved", i)
		}
	}

	more := appendOne(t, store, fixtures.PlaceOrder("order-2", 5))
	if more.EventVersion != 1 || more.Position != 4 {
		t.Errorf("expected order-2 at version 1 position 4, got v%d p%d", more.EventVersion, more.Position)
	}
}

func TestAppendEvents_MixedAggregates_Fails(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	events := []eventhub.DomainEvent{fixtures.PlaceOrder("order-1", 1), fixtures.PlaceOrder("order-2", 1)}
	_, err := store.AppendEvents(t.Context(), "order-1", "Order", events)
	if !errors.Is(err, eventhub.ErrInvalidEventBatch) {
		t.Fatalf("expected ErrInvalidEventBatch, got %v", err)
	}
	if v, _ := store.GetAggregateVersion(t.Context(), "order-1", "Order"); v != 0 {
		t.Errorf("expected nothing written, version %d", v)
	}
}

func TestAppendEvents_DuplicateEventID_Fails(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	ev := fixtures.PlaceOrder("order-1", 1)
	appendOne(t, store, ev)

	_, err := store.AppendEvents(t.Context(), "order-1", "Order", []eventhub.DomainEvent{ev})
	var storeErr *eventhub.EventStoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected EventStoreError, got %v", err)
	}
	if !errors.Is(err, eventhub.ErrDuplicateEventID) || errors.Is(err, eventhub.ErrConcurrencyConflict) {
		t.Errorf("expected a duplicate id error that is not a conflict, got %v", err)
	}
}

func TestAppendEvents_NoStream(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	appendOne(t, store, fixtures.PlaceOrder("order-1", 1), eventhub.WithExpectedVersion(eventhub.NoStream{}))

	_, err := store.AppendEvents(t.Context(), "order-1", "Order",
		[]eventhub.DomainEvent{fixtures.ShipOrder("order-1")}, eventhub.WithExpectedVersion(eventhub.NoStream{}))
	if !errors.Is(err, eventhub.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAppendEvents_StreamExists(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	_, err := store.AppendEvents(t.Context(), "order-1", "Order",
		[]eventhub.DomainEvent{fixtures.PlaceOrder("order-1", 1)}, eventhub.WithExpectedVersion(eventhub.StreamExists{}))
	if !errors.Is(err, eventhub.ErrConcurrencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	appendOne(t, store, fixtures.PlaceOrder("order-1", 1))
	appendOne(t, store, fixtures.ShipOrder("order-1"), eventhub.WithExpectedVersion(eventhub.StreamExists{}))
}

func TestAppendEvents_Revision_Conflict(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	// Aggregate A/Order at version 2.
	appendOne(t, store, fixtures.PlaceOrder("A", 1))
	second := appendOne(t, store, fixtures.AddItem("A", "sku-1", 1))

	_, err := store.AppendEvents(t.Context(), "A", "Order",
		[]eventhub.DomainEvent{fixtures.ShipOrder("A")}, eventhub.WithExpectedVersion(eventhub.Revision(1)))

	var conflict *eventhub.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if conflict.Actual != 2 || conflict.Expected != eventhub.Revision(1) {
		t.Errorf("unexpected conflict details: %+v", conflict)
	}

	stream, err := store.GetEventStream(t.Context(), "A", "Order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stream.Version != 2 || len(stream.Events) != 2 {
		t.Fatalf("store changed after conflict: version %d, %d events", stream.Version, len(stream.Events))
	}

	third := appendOne(t, store, fixtures.ShipOrder("A"), eventhub.WithExpectedVersion(eventhub.Revision(2)))
	if third.EventVersion != 3 {
		t.Errorf("expected version 3, got %d", third.EventVersion)
	}
	if third.Position <= second.Position {
		t.Errorf("expected a new position after %d, got %d", second.Position, third.Position)
	}
}

func TestAppendEvents_Closed(t *testing.T) {
	store := memory.NewMemoryStore()
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err := store.AppendEvents(t.Context(), "order-1", "Order", []eventhub.DomainEvent{fixtures.PlaceOrder("order-1", 1)})
	if !errors.Is(err, eventhub.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

// Read Tests

func TestGetEvents_FromVersion(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	fixtures.Seed(t.Context(), store, fixtures.NewEvent().WithType(fixtures.ItemAddedType).BuildN(5)...)

	recs, err := store.GetEvents(t.Context(), "order-1", "Order", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 3 || recs[0].EventVersion != 3 || recs[2].EventVersion != 5 {
		t.Fatalf("expected versions 3..5, got %+v", recs)
	}

	none, err := store.GetEvents(t.Context(), "missing", "Order", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no events for unknown aggregate")
	}
}

func TestGetEvents_ReturnsCopies(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	fixtures.Seed(t.Context(), store, fixtures.PlaceOrder("order-1", 1))

	recs, _ := store.GetEvents(t.Context(), "order-1", "Order", 0)
	recs[0].Metadata["tampered"] = true
	recs[0].Data[0] = 'x'

	again, _ := store.GetEvents(t.Context(), "order-1", "Order", 0)
	if _, ok := again[0].Metadata["tampered"]; ok {
		t.Error("metadata mutation leaked into the store")
	}
	if again[0].Data[0] == 'x' {
		t.Error("data mutation leaked into the store")
	}
}

func TestQueryEvents_Filters(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fixtures.Seed(t.Context(), store,
		fixtures.NewEvent().WithAggregate("Order", "o-1").At(base).Build(),
		fixtures.NewEvent().WithAggregate("Order", "o-2").At(base.Add(time.Hour)).Build(),
		fixtures.NewEvent().WithAggregate("User", "u-1").WithType(fixtures.UserCreatedType).At(base.Add(2*time.Hour)).Build(),
		fixtures.NewEvent().WithAggregate("Order", "o-1").WithType(fixtures.OrderShippedType).At(base.Add(3*time.Hour)).Build(),
	)

	tests := []struct {
		name  string
		query eventhub.Query
		want  []int64
	}{
		{"all", eventhub.Query{}, []int64{1, 2, 3, 4}},
		{"aggregate", eventhub.Query{AggregateID: "o-1", AggregateType: "Order"}, []int64{1, 4}},
		{"aggregate types", eventhub.Query{AggregateTypes: []string{"User"}}, []int64{3}},
		{"event types", eventhub.Query{EventTypes: []string{fixtures.OrderPlacedType}}, []int64{1, 2}},
		{"time range", eventhub.Query{FromTimestamp: base.Add(time.Hour), ToTimestamp: base.Add(2 * time.Hour)}, []int64{2, 3}},
		{"positions", eventhub.Query{FromPosition: 2, ToPosition: 3}, []int64{2, 3}},
		{"limit offset", eventhub.Query{Limit: 2, Offset: 1}, []int64{2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := store.QueryEvents(t.Context(), tt.query)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(recs) != len(tt.want) {
				t.Fatalf("expected %d records, got %d", len(tt.want), len(recs))
			}
			for i, rec := range recs {
				if rec.Position != tt.want[i] {
					t.Errorf("index %d: expected position %d, got %d", i, tt.want[i], rec.Position)
				}
			}

			q := tt.query
			q.Limit, q.Offset = 0, 0
			n, err := store.CountEvents(t.Context(), q)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if tt.name != "limit offset" && n != len(tt.want) {
				t.Errorf("count: expected %d, got %d", len(tt.want), n)
			}
		})
	}
}

func TestGetAllEvents_FromPositionAndLimit(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	for i := range 5 {
		fixtures.Seed(t.Context(), store, fixtures.PlaceOrder(fmt.Sprintf("order-%d", i), 1))
	}

	recs, err := store.GetAllEvents(t.Context(), 2, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 || recs[0].Position != 2 || recs[1].Position != 3 {
		t.Fatalf("expected positions 2,3 got %+v", recs)
	}

	rest, _ := store.GetAllEvents(t.Context(), 4, 0)
	if len(rest) != 2 {
		t.Errorf("expected 2 remaining events, got %d", len(rest))
	}

	beyond, _ := store.GetAllEvents(t.Context(), 100, 10)
	if len(beyond) != 0 {
		t.Errorf("expected empty page beyond the end, got %d", len(beyond))
	}
}

func TestAggregateExists(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	if ok, _ := store.AggregateExists(t.Context(), "order-1", "Order"); ok {
		t.Fatal("expected aggregate to be absent")
	}
	fixtures.Seed(t.Context(), store, fixtures.PlaceOrder("order-1", 1))
	if ok, _ := store.AggregateExists(t.Context(), "order-1", "Order"); !ok {
		t.Fatal("expected aggregate to exist")
	}
	if ok, _ := store.AggregateExists(t.Context(), "order-1", "User"); ok {
		t.Fatal("aggregate type must be part of the identity")
	}
}

// Snapshot Tests

func TestSnapshot_Upsert(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	fixtures.Seed(t.Context(), store, fixtures.PlaceOrder("order-1", 1), fixtures.AddItem("order-1", "a", 1))

	if _, err := store.GetSnapshot(t.Context(), "order-1", "Order"); !errors.Is(err, eventhub.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	for _, v := range []int64{1, 2} {
		snap, _ := eventhub.NewSnapshot("order-1", "Order", v, map[string]int64{"items": v})
		if err := store.CreateSnapshot(t.Context(), snap); err != nil {
			t.Fatalf("create snapshot v%d: %v", v, err)
		}
	}

	got, err := store.GetSnapshot(t.Context(), "order-1", "Order")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Version != 2 || string(got.Data) != `{"items":2}` {
		t.Errorf("expected latest snapshot, got v%d %s", got.Version, got.Data)
	}
}

func TestSnapshot_VersionAheadOfAggregate(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	fixtures.Seed(t.Context(), store, fixtures.PlaceOrder("order-1", 1))

	err := store.CreateSnapshot(t.Context(), eventhub.Snapshot{AggregateID: "order-1", AggregateType: "Order", Version: 2})
	if !errors.Is(err, eventhub.ErrSnapshotVersion) {
		t.Fatalf("expected ErrSnapshotVersion, got %v", err)
	}
}

// Concurrency Tests

func TestConcurrent_ExpectedVersionSingleWinner(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	fixtures.Seed(t.Context(), store, fixtures.PlaceOrder("order-1", 1))

	const writers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0

	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendEvents(t.Context(), "order-1", "Order",
				[]eventhub.DomainEvent{fixtures.ShipOrder("order-1")}, eventhub.WithExpectedVersion(eventhub.Revision(1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, eventhub.ErrConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != writers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", writers-1, wins, conflicts)
	}
}

func TestConcurrent_PositionsUnique(t *testing.T) {
	store := memory.NewMemoryStore()
	defer store.Close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("order-%d", i)
			for range 10 {
				if _, err := store.AppendEvents(t.Context(), id, "Order", []eventhub.DomainEvent{fixtures.AddItem(id, "x", 1)}); err != nil {
					t.Errorf("append: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	all, err := store.GetAllEvents(t.Context(), 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 100 {
		t.Fatalf("expected 100 events, got %d", len(all))
	}
	versions := map[string]int64{}
	for i, rec := range all {
		if rec.Position != int64(i+1) {
			t.Fatalf("position gap at %d: %d", i, rec.Position)
		}
		if rec.EventVersion != versions[rec.AggregateID]+1 {
			t.Fatalf("%s: version %d after %d", rec.AggregateID, rec.EventVersion, versions[rec.AggregateID])
		}
		versions[rec.AggregateID] = rec.EventVersion
	}
}
