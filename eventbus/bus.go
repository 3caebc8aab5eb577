// Package eventbus publishes domain events: it stores them, notifies the
// synchronous subscribers and enqueues one durable delivery job per
// asynchronous subscription. A worker pool drains the job queue and runs the
// handlers with their retry policy.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/jobqueue"
	"github.com/terraskye/eventhub/jobqueue/memory"
)

// Config holds the bus dependencies.
type Config struct {
	Registry *eventhub.Registry
	Queue    jobqueue.Queue
	Logger   *logrus.Entry
	// Middleware decorates every subscribed handler, first is outermost.
	Middleware []eventhub.HandlerMiddleware
	// Workers is the number of delivery shards. Zero leaves delivery to Drain.
	Workers       int
	PoolOptions   []jobqueue.PoolOption
	MaxAttempts   int
	MetricsWindow int
}

// Option configures the bus.
type Option func(*Config)

// WithRegistry sets the registry used to decode queued records.
func WithRegistry(r *eventhub.Registry) Option {
	return func(c *Config) { c.Registry = r }
}

// WithQueue sets the durable job queue.
func WithQueue(q jobqueue.Queue) Option {
	return func(c *Config) { c.Queue = q }
}

func WithLogger(l *logrus.Entry) Option {
	return func(c *Config) { c.Logger = l }
}

// WithHandlerMiddleware decorates every handler subscribed afterwards.
func WithHandlerMiddleware(mw ...eventhub.HandlerMiddleware) Option {
	return func(c *Config) { c.Middleware = append(c.Middleware, mw...) }
}

// WithWorkers sets the number of delivery shards run by Start.
func WithWorkers(n int, opts ...jobqueue.PoolOption) Option {
	return func(c *Config) {
		c.Workers = n
		c.PoolOptions = append(c.PoolOptions, opts...)
	}
}

// WithDefaultMaxAttempts sets the job attempt budget of subscriptions that do
// not set WithMaxAttempts.
func WithDefaultMaxAttempts(n int) Option {
	return func(c *Config) { c.MaxAttempts = n }
}

// WithMetricsWindow sets how many handler durations the average covers.
func WithMetricsWindow(n int) Option {
	return func(c *Config) { c.MetricsWindow = n }
}

// Bus is the event bus. It is safe for concurrent use.
type Bus struct {
	store    eventhub.EventStore
	registry *eventhub.Registry
	queue    jobqueue.Queue
	cfg      Config
	log      *logrus.Entry
	metrics  *recorder

	subs  atomic.Pointer[table]
	subMu sync.Mutex
	seq   uint64

	lifecycle sync.Mutex
	running   atomic.Bool
	pool      *jobqueue.WorkerPool
}

var (
	_ eventhub.Publisher   = (*Bus)(nil)
	_ eventhub.Republisher = (*Bus)(nil)
)

// New creates a stopped bus over store. Without options it uses an in-memory
// queue and a registry that keeps unknown payloads as raw JSON.
func New(store eventhub.EventStore, opts ...Option) *Bus {
	cfg := Config{Workers: 4, MaxAttempts: jobqueue.DefaultMaxAttempts, MetricsWindow: DefaultMetricsWindow}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Registry == nil {
		cfg.Registry = eventhub.NewRegistry(eventhub.WithFallbackDecoder(eventhub.RawJSON))
	}
	if cfg.Queue == nil {
		cfg.Queue = memory.NewQueue()
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = logrus.NewEntry(l)
	}

	b := &Bus{
		store:    store,
		registry: cfg.Registry,
		queue:    cfg.Queue,
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "eventbus"),
		metrics:  newRecorder(cfg.MetricsWindow),
	}
	b.subs.Store(&table{})

	poolOpts := append([]jobqueue.PoolOption{
		jobqueue.WithShards(max(cfg.Workers, 1)),
		jobqueue.WithPoolLogger(cfg.Logger),
	}, cfg.PoolOptions...)
	b.pool = jobqueue.NewWorkerPool(b.queue, b.process, poolOpts...)
	return b
}

// Queue returns the job queue the bus enqueues into.
func (b *Bus) Queue() jobqueue.Queue { return b.queue }

// Subscribe binds h to eventType. An empty eventType uses h.EventType().
//
// Errors:
//   - ErrDuplicateHandler if the handler name is already bound to the type.
func (b *Bus) Subscribe(eventType string, h eventhub.Handler, opts ...SubscribeOption) error {
	if h == nil {
		return errors.New("subscribe: nil handler")
	}
	if eventType == "" {
		eventType = h.EventType()
	}
	info := SubscriptionInfo{EventType: eventType, HandlerName: h.HandlerName()}
	for _, opt := range opts {
		opt(&info)
	}
	if info.RetryPolicy != nil {
		if err := info.RetryPolicy.Validate(); err != nil {
			return fmt.Errorf("subscribe %s to %s: %w", info.HandlerName, eventType, err)
		}
	}
	if info.MaxAttempts <= 0 {
		info.MaxAttempts = b.cfg.MaxAttempts
	}
	policy := eventhub.PolicyFor(h, info.RetryPolicy)
	info.RetryPolicy = policy

	b.subMu.Lock()
	defer b.subMu.Unlock()

	current := *b.subs.Load()
	if current.find(eventType, info.HandlerName) != nil {
		return fmt.Errorf("subscribe %s to %s: %w", info.HandlerName, eventType, eventhub.ErrDuplicateHandler)
	}
	b.seq++
	next := current.with(&binding{
		info:    info,
		handler: eventhub.WithRetry(eventhub.Chain(h, b.cfg.Middleware...), policy),
		seq:     b.seq,
	})
	b.subs.Store(&next)

	b.log.WithFields(logrus.Fields{
		"event_type":  eventType,
		"handler":     info.HandlerName,
		"synchronous": info.Synchronous,
		"priority":    info.Priority,
	}).Debug("handler subscribed")
	return nil
}

// Unsubscribe removes a binding. Pending jobs of the handler fail until their
// attempts run out.
func (b *Bus) Unsubscribe(eventType, handlerName string) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	next, ok := b.subs.Load().without(eventType, handlerName)
	if !ok {
		return fmt.Errorf("unsubscribe %s from %s: %w", handlerName, eventType, eventhub.ErrHandlerNotFound)
	}
	b.subs.Store(&next)
	return nil
}

// Subscriptions lists the bindings of eventType in dispatch order, or of every
// type when eventType is empty.
func (b *Bus) Subscriptions(eventType string) []SubscriptionInfo {
	t := *b.subs.Load()
	var out []SubscriptionInfo
	if eventType != "" {
		for _, bd := range t[eventType] {
			out = append(out, bd.info)
		}
		return out
	}
	for _, list := range t {
		for _, bd := range list {
			out = append(out, bd.info)
		}
	}
	sortInfos(out)
	return out
}

// Publish stores ev and delivers it. A non-nil Record means the event is
// durable even when the error reports a failed dispatch or enqueue stage.
func (b *Bus) Publish(ctx context.Context, ev eventhub.DomainEvent) (eventhub.Record, error) {
	if !b.running.Load() {
		return eventhub.Record{}, eventhub.ErrBusNotRunning
	}

	recs, err := b.store.AppendEvents(ctx, ev.AggregateID(), ev.AggregateType(), []eventhub.DomainEvent{ev})
	if err != nil {
		b.metrics.stageFailed(eventhub.StageAppend)
		b.log.WithError(err).WithFields(eventFields(ev)).Warn("append failed")
		return eventhub.Record{}, &eventhub.PublishError{Stage: eventhub.StageAppend, EventID: ev.ID(), Err: err}
	}
	rec := recs[0]
	b.metrics.published(rec.EventType)
	return rec, b.deliver(ctx, rec, rec.Event(ev.Payload()))
}

// PublishAll stores events grouped per aggregate, one append per group in the
// order the aggregates first appear. Groups are independent: a failed group is
// reported in a PublishAllError while the others are stored and delivered.
func (b *Bus) PublishAll(ctx context.Context, events []eventhub.DomainEvent) ([]eventhub.Record, error) {
	if !b.running.Load() {
		return nil, eventhub.ErrBusNotRunning
	}
	if len(events) == 0 {
		return nil, eventhub.ErrNoEvents
	}

	type key struct{ aggregateType, aggregateID string }
	var order []key
	groups := map[key][]eventhub.DomainEvent{}
	for _, ev := range events {
		k := key{ev.AggregateType(), ev.AggregateID()}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], ev)
	}

	var (
		records  []eventhub.Record
		failures []eventhub.AggregateFailure
		errs     []error
	)
	for _, k := range order {
		group := groups[k]
		recs, err := b.store.AppendEvents(ctx, k.aggregateID, k.aggregateType, group)
		if err != nil {
			b.metrics.stageFailed(eventhub.StageAppend)
			ids := make([]uuid.UUID, 0, len(group))
			for _, ev := range group {
				ids = append(ids, ev.ID())
			}
			failures = append(failures, eventhub.AggregateFailure{
				AggregateID:   k.aggregateID,
				AggregateType: k.aggregateType,
				EventIDs:      ids,
				Err:           err,
			})
			b.log.WithError(err).WithFields(logrus.Fields{
				"aggregate_id":   k.aggregateID,
				"aggregate_type": k.aggregateType,
				"events":         len(group),
			}).Warn("append failed")
			continue
		}
		for i, rec := range recs {
			b.metrics.published(rec.EventType)
			records = append(records, rec)
			if err := b.deliver(ctx, rec, rec.Event(group[i].Payload())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(failures) > 0 {
		errs = append([]error{&eventhub.PublishAllError{Failures: failures}}, errs...)
	}
	return records, errors.Join(errs...)
}

// Republish delivers an already stored record again, without appending it.
// The replay engine enters the bus here.
func (b *Bus) Republish(ctx context.Context, rec eventhub.Record) error {
	if !b.running.Load() {
		return eventhub.ErrBusNotRunning
	}
	ev, err := b.registry.Decode(rec)
	if err != nil {
		return err
	}
	b.metrics.republished()
	return b.deliver(ctx, rec, ev)
}

// deliver runs the synchronous subscribers and enqueues the asynchronous ones.
// Both stages always run; their failures are joined.
func (b *Bus) deliver(ctx context.Context, rec eventhub.Record, ev eventhub.DomainEvent) error {
	bindings := (*b.subs.Load())[rec.EventType]
	if len(bindings) == 0 {
		return nil
	}

	var errs []error
	var jobs []jobqueue.Job
	for _, bd := range bindings {
		if !bd.info.Synchronous {
			jobs = append(jobs, jobqueue.NewJob(rec, bd.info.HandlerName, bd.info.Priority, bd.info.MaxAttempts))
			continue
		}
		if err := b.invoke(ctx, bd, ev); err != nil {
			errs = append(errs, &eventhub.DispatchError{HandlerName: bd.info.HandlerName, Err: err})
		}
	}

	var out []error
	if len(errs) > 0 {
		b.metrics.stageFailed(eventhub.StageDispatch)
		out = append(out, &eventhub.PublishError{Stage: eventhub.StageDispatch, EventID: rec.EventID, Err: errors.Join(errs...)})
	}
	if len(jobs) > 0 {
		if err := b.queue.Enqueue(ctx, jobs...); err != nil {
			b.metrics.stageFailed(eventhub.StageEnqueue)
			b.log.WithError(err).WithFields(recordFields(rec)).Error("enqueue failed")
			out = append(out, &eventhub.PublishError{Stage: eventhub.StageEnqueue, EventID: rec.EventID, Err: err})
		}
	}
	return errors.Join(out...)
}

// process is the worker pool's job processor.
func (b *Bus) process(ctx context.Context, job jobqueue.Job) error {
	bd := (*b.subs.Load()).find(job.Record.EventType, job.HandlerName)
	if bd == nil {
		return fmt.Errorf("deliver %s to %s: %w", job.Record.EventType, job.HandlerName, eventhub.ErrHandlerNotFound)
	}
	ev, err := b.registry.Decode(job.Record)
	if err != nil {
		return err
	}
	return b.invoke(ctx, bd, ev)
}

func (b *Bus) invoke(ctx context.Context, bd *binding, ev eventhub.DomainEvent) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler %s: %v", bd.info.HandlerName, r)
		}
		b.metrics.handled(bd.info.HandlerName, time.Since(start), err)
		if err != nil {
			b.log.WithError(err).WithFields(eventFields(ev)).WithField("handler", bd.info.HandlerName).Warn("handler failed")
		}
	}()
	return bd.handler.Handle(eventhub.WithEvent(ctx, ev), ev)
}

// Drain delivers every due job on the calling goroutine and returns once the
// queue has nothing left to claim.
func (b *Bus) Drain(ctx context.Context) error {
	return b.pool.Drain(ctx)
}

// Metrics returns a copy of the counters.
func (b *Bus) Metrics() Metrics { return b.metrics.snapshot() }

// ClearMetrics resets every counter and the duration window.
func (b *Bus) ClearMetrics() { b.metrics.clear() }

// Start accepts publications and, when workers are configured, starts the
// delivery pool. Starting a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.running.Load() {
		return nil
	}
	if b.cfg.Workers > 0 {
		if err := b.pool.Start(ctx); err != nil {
			return err
		}
	}
	b.running.Store(true)
	b.log.WithField("workers", b.cfg.Workers).Info("event bus started")
	return nil
}

// Stop rejects further publications and waits for in-flight deliveries.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if !b.running.Load() {
		return nil
	}
	b.running.Store(false)
	if err := b.pool.Stop(ctx); err != nil {
		return err
	}
	b.log.Info("event bus stopped")
	return nil
}

func (b *Bus) IsRunning() bool { return b.running.Load() }

func eventFields(ev eventhub.DomainEvent) logrus.Fields {
	return logrus.Fields{
		"event_id":     ev.ID(),
		"event_type":   ev.Type(),
		"aggregate_id": ev.AggregateID(),
		"version":      ev.Version(),
	}
}

func recordFields(rec eventhub.Record) logrus.Fields {
	return logrus.Fields{
		"event_id":     rec.EventID,
		"event_type":   rec.EventType,
		"aggregate_id": rec.AggregateID,
		"position":     rec.Position,
	}
}
