package fixtures

import (
	"fmt"
	"time"

	"github.com/terraskye/eventhub"
)

// Event types used across the test suites.
const (
	OrderAggregate = "Order"
	UserAggregate  = "User"

	OrderPlacedType  = "OrderPlaced"
	ItemAddedType    = "ItemAdded"
	OrderShippedType = "OrderShipped"
	UserCreatedType  = "UserCreated"
)

type OrderPlaced struct {
	OrderID    string  `json:"orderId"`
	CustomerID string  `json:"customerId"`
	Total      float64 `json:"total"`
}

type ItemAdded struct {
	OrderID string `json:"orderId"`
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
}

type OrderShipped struct {
	OrderID string `json:"orderId"`
	Carrier string `json:"carrier"`
}

type UserCreated struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// NewRegistry returns a registry knowing every fixture event type.
func NewRegistry(opts ...eventhub.RegistryOption) *eventhub.Registry {
	r := eventhub.NewRegistry(opts...)
	must(eventhub.RegisterJSON[OrderPlaced](r, OrderPlacedType))
	must(eventhub.RegisterJSON[ItemAdded](r, ItemAddedType))
	must(eventhub.RegisterJSON[OrderShipped](r, OrderShippedType))
	must(eventhub.RegisterJSON[UserCreated](r, UserCreatedType))
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// EventBuilder provides a fluent API for constructing domain events.
type EventBuilder struct {
	aggregateID   string
	aggregateType string
	eventType     string
	payload       any
	opts          []eventhub.EventOption
}

// NewEvent creates an EventBuilder defaulting to an OrderPlaced event for order-1.
func NewEvent() *EventBuilder {
	return &EventBuilder{
		aggregateID:   "order-1",
		aggregateType: OrderAggregate,
		eventType:     OrderPlacedType,
		payload:       OrderPlaced{OrderID: "order-1", CustomerID: "customer-1", Total: 10},
	}
}

// WithAggregate sets the aggregate type and id.
func (b *EventBuilder) WithAggregate(aggregateType, aggregateID string) *EventBuilder {
	b.aggregateType = aggregateType
	b.aggregateID = aggregateID
	return b
}

// WithType sets the event type.
func (b *EventBuilder) WithType(eventType string) *EventBuilder {
	b.eventType = eventType
	return b
}

// WithPayload sets the payload.
func (b *EventBuilder) WithPayload(payload any) *EventBuilder {
	b.payload = payload
	return b
}

// At sets the event timestamp.
func (b *EventBuilder) At(t time.Time) *EventBuilder {
	b.opts = append(b.opts, eventhub.WithTimestamp(t))
	return b
}

// With appends raw event options.
func (b *EventBuilder) With(opts ...eventhub.EventOption) *EventBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build constructs the DomainEvent.
func (b *EventBuilder) Build() eventhub.DomainEvent {
	return eventhub.NewDomainEvent(b.eventType, b.aggregateID, b.aggregateType, b.payload, b.opts...)
}

// BuildN creates n events for the same aggregate. ItemAdded payloads get
// sequential SKUs so they can be told apart.
func (b *EventBuilder) BuildN(n int) []eventhub.DomainEvent {
	events := make([]eventhub.DomainEvent, n)
	for i := range events {
		payload := b.payload
		if b.eventType == ItemAddedType {
			payload = ItemAdded{OrderID: b.aggregateID, SKU: fmt.Sprintf("sku-%d", i+1), Qty: 1}
		}
		events[i] = eventhub.NewDomainEvent(b.eventType, b.aggregateID, b.aggregateType, payload, b.opts...)
	}
	return events
}

// PlaceOrder is a shortcut for an OrderPlaced event.
func PlaceOrder(orderID string, total float64) eventhub.DomainEvent {
	return eventhub.NewDomainEvent(OrderPlacedType, orderID, OrderAggregate,
		OrderPlaced{OrderID: orderID, CustomerID: "customer-1", Total: total})
}

// AddItem is a shortcut for an ItemAdded event.
func AddItem(orderID, sku string, qty int) eventhub.DomainEvent {
	return eventhub.NewDomainEvent(ItemAddedType, orderID, OrderAggregate,
		ItemAdded{OrderID: orderID, SKU: sku, Qty: qty})
}

// ShipOrder is a shortcut for an OrderShipped event.
func ShipOrder(orderID string) eventhub.DomainEvent {
	return eventhub.NewDomainEvent(OrderShippedType, orderID, OrderAggregate,
		OrderShipped{OrderID: orderID, Carrier: "dhl"})
}

// CreateUser is a shortcut for a UserCreated event.
func CreateUser(userID string) eventhub.DomainEvent {
	return eventhub.NewDomainEvent(UserCreatedType, userID, UserAggregate,
		UserCreated{UserID: userID, Email: userID + "@example.com"})
}
