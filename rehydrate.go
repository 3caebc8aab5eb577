package eventhub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Evolver applies one event to the state.
type Evolver[S any] func(state S, event DomainEvent) S

// Restorer rebuilds the state stored in a snapshot.
type Restorer[S any] func(snapshot Snapshot) (S, error)

// Rehydrate rebuilds the state of an aggregate. If the store holds a snapshot it
// is restored and only the events after it are replayed, otherwise the state is
// folded from initial over the whole stream. It returns the state and the version
// it reflects.
//
// Example Usage:
//
//	cart, version, err := Rehydrate(ctx, store, registry, "cart-1", "Cart", Cart{},
//	    RestoreJSON[Cart], func(c Cart, ev DomainEvent) Cart { return c.Apply(ev) })
func Rehydrate[S any](
	ctx context.Context,
	store EventStore,
	registry *Registry,
	aggregateID, aggregateType string,
	initial S,
	restore Restorer[S],
	evolve Evolver[S],
) (S, int64, error) {
	state := initial
	var version int64

	if restore != nil {
		snap, err := store.GetSnapshot(ctx, aggregateID, aggregateType)
		switch {
		case err == nil:
			if state, err = restore(snap); err != nil {
				return initial, 0, fmt.Errorf("restore snapshot of %s %q: %w", aggregateType, aggregateID, err)
			}
			version = snap.Version
		case errors.Is(err, ErrSnapshotNotFound):
		default:
			return initial, 0, err
		}
	}

	records, err := store.GetEvents(ctx, aggregateID, aggregateType, version+1)
	if err != nil {
		return initial, 0, err
	}
	for _, rec := range records {
		ev, err := registry.Decode(rec)
		if err != nil {
			return initial, 0, err
		}
		state = evolve(state, ev)
		version = rec.EventVersion
	}
	return state, version, nil
}

// RestoreJSON is a Restorer for snapshots holding S as JSON.
func RestoreJSON[S any](snapshot Snapshot) (S, error) {
	var s S
	err := json.Unmarshal(snapshot.Data, &s)
	return s, err
}

// NewSnapshot encodes state as the snapshot of an aggregate at version.
func NewSnapshot(aggregateID, aggregateType string, version int64, state any) (Snapshot, error) {
	data, err := EncodePayload(state)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode snapshot of %s %q: %w", aggregateType, aggregateID, err)
	}
	return Snapshot{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       version,
		Data:          data,
		CreatedAt:     now().UTC(),
	}, nil
}
