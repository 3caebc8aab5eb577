// Package kafkasink publishes events to a Kafka topic.
package kafkasink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/sink"
)

// Header keys set on every message.
const (
	HeaderEventType     = "event_type"
	HeaderEventID       = "event_id"
	HeaderCorrelationID = "correlation_id"
	HeaderAggregateType = "aggregate_type"
)

// Writer is the part of *kafka.Writer the handler uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Config describes the target cluster.
type Config struct {
	Brokers      []string
	Topic        string
	ClientID     string
	WriteTimeout time.Duration
}

// NewWriter returns a synchronous writer that hashes message keys onto
// partitions, so all events of one aggregate land on one partition in order.
func NewWriter(cfg Config) *kafka.Writer {
	// a short metadata TTL lets the writer recover when broker addresses change
	tr := &kafka.Transport{
		ClientID:    cfg.ClientID,
		MetadataTTL: 10 * time.Second,
	}

	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 50 * time.Millisecond,
		Transport:    tr,
	}
}

// Option configures a Handler.
type Option func(*Handler)

// WithWriteTimeout bounds a single write. The default is five seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithRetryPolicy retries failed writes inside one delivery.
func WithRetryPolicy(p eventhub.RetryPolicy) Option {
	return func(h *Handler) { h.policy = &p }
}

func WithLogger(l *logrus.Entry) Option {
	return func(h *Handler) { h.log = l }
}

// Handler is a bus handler that forwards events of one type to Kafka.
type Handler struct {
	eventType string
	name      string
	w         Writer
	timeout   time.Duration
	policy    *eventhub.RetryPolicy
	log       *logrus.Entry
}

var (
	_ eventhub.Handler             = (*Handler)(nil)
	_ eventhub.RetryPolicyProvider = (*Handler)(nil)
)

func NewHandler(eventType, name string, w Writer, opts ...Option) *Handler {
	h := &Handler{eventType: eventType, name: name, w: w, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	if h.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		h.log = logrus.NewEntry(l)
	}
	h.log = h.log.WithFields(logrus.Fields{"component": "kafka-sink", "handler": name})
	return h
}

func (h *Handler) EventType() string                  { return h.eventType }
func (h *Handler) HandlerName() string                { return h.name }
func (h *Handler) RetryPolicy() *eventhub.RetryPolicy { return h.policy }

// Handle writes the event envelope keyed by aggregate id.
func (h *Handler) Handle(ctx context.Context, ev eventhub.DomainEvent) error {
	body, env, err := sink.Marshal(ev)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(env.AggregateID),
		Value: body,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(env.EventType)},
			{Key: HeaderEventID, Value: []byte(env.EventID)},
			{Key: HeaderAggregateType, Value: []byte(env.AggregateType)},
		},
	}
	if env.CorrelationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)})
	}

	wctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.w.WriteMessages(wctx, msg); err != nil {
		return fmt.Errorf("write %s %s to kafka: %w", env.EventType, env.EventID, err)
	}
	h.log.WithFields(logrus.Fields{"event_id": env.EventID, "aggregate_id": env.AggregateID}).Debug("event forwarded")
	return nil
}
