package fixtures

import (
	"context"
	"sync"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/eventstore/memory"
)

// StoreSpy wraps an in-memory EventStore, counting calls and allowing failures
// to be injected.
type StoreSpy struct {
	eventhub.EventStore

	mu sync.Mutex

	// Function overrides for custom behavior
	AppendFn func(ctx context.Context, aggregateID, aggregateType string, events []eventhub.DomainEvent, opts ...eventhub.AppendOption) ([]eventhub.Record, error)

	// Call tracking
	AppendCalls int
	QueryCalls  int
	CountCalls  int

	// Error injection
	appendErr error
	queryErr  error
}

// NewStoreSpy creates a StoreSpy over a fresh memory store.
func NewStoreSpy() *StoreSpy {
	return &StoreSpy{EventStore: memory.NewMemoryStore()}
}

// FailOnAppend makes every append fail with err.
func (s *StoreSpy) FailOnAppend(err error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendErr = err
	return s
}

// FailOnQuery makes QueryEvents, GetAllEvents and CountEvents fail with err.
func (s *StoreSpy) FailOnQuery(err error) *StoreSpy {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
	return s
}

func (s *StoreSpy) AppendEvents(ctx context.Context, aggregateID, aggregateType string, events []eventhub.DomainEvent, opts ...eventhub.AppendOption) ([]eventhub.Record, error) {
	s.mu.Lock()
	s.AppendCalls++
	fn, err := s.AppendFn, s.appendErr
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, aggregateID, aggregateType, events, opts...)
	}
	if err != nil {
		return nil, err
	}
	return s.EventStore.AppendEvents(ctx, aggregateID, aggregateType, events, opts...)
}

func (s *StoreSpy) QueryEvents(ctx context.Context, q eventhub.Query) ([]eventhub.Record, error) {
	s.mu.Lock()
	s.QueryCalls++
	err := s.queryErr
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return s.EventStore.QueryEvents(ctx, q)
}

func (s *StoreSpy) GetAllEvents(ctx context.Context, fromPosition int64, limit int) ([]eventhub.Record, error) {
	s.mu.Lock()
	s.QueryCalls++
	err := s.queryErr
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return s.EventStore.GetAllEvents(ctx, fromPosition, limit)
}

func (s *StoreSpy) CountEvents(ctx context.Context, q eventhub.Query) (int, error) {
	s.mu.Lock()
	s.CountCalls++
	err := s.queryErr
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	return s.EventStore.CountEvents(ctx, q)
}

// Appends returns the number of AppendEvents calls so far.
func (s *StoreSpy) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.AppendCalls
}

// Seed appends events through the wrapped store, failing the test setup on error.
func Seed(ctx context.Context, store eventhub.EventStore, events ...eventhub.DomainEvent) []eventhub.Record {
	var out []eventhub.Record
	for _, ev := range events {
		recs, err := store.AppendEvents(ctx, ev.AggregateID(), ev.AggregateType(), []eventhub.DomainEvent{ev})
		if err != nil {
			panic(err)
		}
		out = append(out, recs...)
	}
	return out
}
