package eventhub_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/eventstore/memory"
	"github.com/terraskye/eventhub/fixtures"
)

func TestIteratorBasic(t *testing.T) {
	items := []int{1, 2, 3}
	i := 0

	iter := eventhub.NewIteratorFunc(func(ctx context.Context) (int, error) {
		if i >= len(items) {
			return 0, io.EOF
		}
		val := items[i]
		i++
		return val, nil
	})

	var got []int
	for iter.Next(t.Context()) {
		got = append(got, iter.Value())
	}

	if iter.Err() != nil {
		t.Fatalf("unexpected error: %v", iter.Err())
	}
	if len(got) != len(items) {
		t.Fatalf("expected %v items, got %v", len(items), len(got))
	}
	for i := range items {
		if got[i] != items[i] {
			t.Errorf("index %d: expected %v got %v", i, items[i], got[i])
		}
	}
}

func TestIteratorEOF(t *testing.T) {
	iter := eventhub.NewIteratorFunc(func(ctx context.Context) (int, error) {
		return 0, io.EOF
	})

	if iter.Next(t.Context()) {
		t.Fatal("expected Next() to return false on EOF")
	}
	if iter.Err() != nil {
		t.Fatalf("expected Err() to be nil on EOF, got %v", iter.Err())
	}
}

func TestIteratorError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	iter := eventhub.NewIteratorFunc(func(ctx context.Context) (int, error) {
		calls++
		if calls == 2 {
			return 0, boom
		}
		return calls, nil
	})

	got, err := iter.All(t.Context())
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected the item before the error, got %v", got)
	}
	if iter.Next(t.Context()) || calls != 2 {
		t.Error("a stopped iterator must not call its producer again")
	}
}

func TestSliceIterator_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	iter := eventhub.NewSliceIterator([]string{"a"})
	if iter.Next(ctx) {
		t.Fatal("expected no items from a cancelled context")
	}
	if !errors.Is(iter.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", iter.Err())
	}
}

func TestScan_PagesInPositionOrder(t *testing.T) {
	store := memory.NewMemoryStore()
	fixtures.Seed(t.Context(), store,
		fixtures.PlaceOrder("o1", 10),
		fixtures.PlaceOrder("o2", 20),
		fixtures.AddItem("o1", "sku-1", 1),
		fixtures.ShipOrder("o2"),
		fixtures.CreateUser("u1"),
	)

	recs, err := eventhub.Scan(store, 0, 2).All(t.Context())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Position != int64(i+1) {
			t.Errorf("index %d: expected position %d, got %d", i, i+1, rec.Position)
		}
	}

	rest, err := eventhub.Scan(store, recs[2].Position+1, 2).All(t.Context())
	if err != nil {
		t.Fatalf("resumed scan failed: %v", err)
	}
	if len(rest) != 2 || rest[0].Position != 4 {
		t.Errorf("expected to resume at position 4, got %+v", rest)
	}
}

func TestScan_StoreError(t *testing.T) {
	spy := fixtures.NewStoreSpy().FailOnQuery(errors.New("db down"))
	if _, err := eventhub.Scan(spy, 0, 10).All(t.Context()); err == nil {
		t.Fatal("expected the store error")
	}
}
