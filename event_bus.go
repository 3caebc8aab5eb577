package eventhub

import "context"

// Publisher is the producer side of the event bus. A publish stores the event
// first and only then notifies subscribers, so a returned Record means the event
// happened even if a later delivery stage reported an error.
type Publisher interface {
	Publish(ctx context.Context, event DomainEvent) (Record, error)
	PublishAll(ctx context.Context, events []DomainEvent) ([]Record, error)
}

// Republisher re-enters delivery for an already stored record without appending
// it again. The replay engine drives the bus through it.
type Republisher interface {
	Republish(ctx context.Context, record Record) error
}
