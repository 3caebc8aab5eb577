// Package amqpsink publishes events to a RabbitMQ topic exchange.
package amqpsink

import (
	"context"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/sink"
)

// DefaultExchange is used when no exchange is configured.
const DefaultExchange = "events"

// Channel is the part of *amqp.Channel the handler publishes through.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Connect dials url, retrying every interval until it succeeds, attempts are
// used up or ctx is done.
func Connect(ctx context.Context, url string, attempts int, interval time.Duration) (*amqp.Connection, error) {
	var err error
	for i := 0; i < max(attempts, 1); i++ {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("could not connect to RabbitMQ after %d attempts: %w", attempts, err)
}

// DeclareExchange opens a channel on conn and declares a durable topic exchange.
func DeclareExchange(conn *amqp.Connection, exchange string) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return ch, nil
}

// Option configures a Handler.
type Option func(*Handler)

// WithExchange sets the exchange messages are published to.
func WithExchange(name string) Option {
	return func(h *Handler) { h.exchange = name }
}

// WithPublishTimeout bounds a single publish. The default is ten seconds.
func WithPublishTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

func WithRetryPolicy(p eventhub.RetryPolicy) Option {
	return func(h *Handler) { h.policy = &p }
}

func WithLogger(l *logrus.Entry) Option {
	return func(h *Handler) { h.log = l }
}

// Handler is a bus handler that publishes events of one type with the event
// type as routing key.
type Handler struct {
	eventType string
	name      string
	ch        Channel
	exchange  string
	timeout   time.Duration
	policy    *eventhub.RetryPolicy
	log       *logrus.Entry
}

var (
	_ eventhub.Handler             = (*Handler)(nil)
	_ eventhub.RetryPolicyProvider = (*Handler)(nil)
)

func NewHandler(eventType, name string, ch Channel, opts ...Option) *Handler {
	h := &Handler{eventType: eventType, name: name, ch: ch, exchange: DefaultExchange, timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		h.log = logrus.NewEntry(l)
	}
	h.log = h.log.WithFields(logrus.Fields{"component": "amqp-sink", "handler": name, "exchange": h.exchange})
	return h
}

func (h *Handler) EventType() string                  { return h.eventType }
func (h *Handler) HandlerName() string                { return h.name }
func (h *Handler) RetryPolicy() *eventhub.RetryPolicy { return h.policy }

// Handle publishes the event envelope as a persistent message.
func (h *Handler) Handle(ctx context.Context, ev eventhub.DomainEvent) error {
	body, env, err := sink.Marshal(ev)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err = h.ch.PublishWithContext(pctx, h.exchange, env.EventType,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: env.CorrelationID,
			MessageId:     env.EventID,
			Type:          env.EventType,
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			Timestamp:     env.OccurredAt,
			Headers: amqp.Table{
				"aggregate_type": env.AggregateType,
				"aggregate_id":   env.AggregateID,
				"version":        env.Version,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s %s to %s: %w", env.EventType, env.EventID, h.exchange, err)
	}
	h.log.WithFields(logrus.Fields{"event_id": env.EventID, "routing_key": env.EventType}).Debug("event forwarded")
	return nil
}
