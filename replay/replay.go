// Package replay re-drives stored events through the bus. A replay reads the
// store page by page in position order and hands each record to a
// Republisher, which notifies subscribers without appending again.
package replay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
)

// DefaultBatchSize is the page size used when Options.BatchSize is not set.
const DefaultBatchSize = 100

// Options selects the records to replay and how to pace the run.
type Options struct {
	FromPosition   int64     `json:"fromPosition,omitempty"`
	ToPosition     int64     `json:"toPosition,omitempty"`
	FromTimestamp  time.Time `json:"fromTimestamp,omitzero"`
	ToTimestamp    time.Time `json:"toTimestamp,omitzero"`
	EventTypes     []string  `json:"eventTypes,omitempty"`
	AggregateIDs   []string  `json:"aggregateIds,omitempty"`
	AggregateTypes []string  `json:"aggregateTypes,omitempty"`
	SkipEventTypes []string  `json:"skipEventTypes,omitempty"`

	BatchSize  int           `json:"batchSize,omitempty"`
	BatchDelay time.Duration `json:"batchDelay,omitempty"`
	DryRun     bool          `json:"dryRun,omitempty"`

	// OnProgress is called after every record with the number of records
	// handled so far, skipped and failed ones included.
	OnProgress func(processed, total int) `json:"-"`
	// OnError is called for every record the target rejected.
	OnError func(rec eventhub.Record, err error) `json:"-"`
}

// Validate rejects inverted ranges and negative sizes.
func (o Options) Validate() error {
	switch {
	case o.ToPosition > 0 && o.FromPosition > o.ToPosition:
		return fmt.Errorf("replay: from position %d is after to position %d", o.FromPosition, o.ToPosition)
	case !o.FromTimestamp.IsZero() && !o.ToTimestamp.IsZero() && o.FromTimestamp.After(o.ToTimestamp):
		return fmt.Errorf("replay: time range starts after it ends")
	case o.BatchSize < 0:
		return fmt.Errorf("replay: negative batch size %d", o.BatchSize)
	case o.BatchDelay < 0:
		return fmt.Errorf("replay: negative batch delay %s", o.BatchDelay)
	}
	return nil
}

func (o Options) query() eventhub.Query {
	return eventhub.Query{
		AggregateIDs:   o.AggregateIDs,
		AggregateTypes: o.AggregateTypes,
		EventTypes:     o.EventTypes,
		FromTimestamp:  o.FromTimestamp,
		ToTimestamp:    o.ToTimestamp,
		FromPosition:   o.FromPosition,
		ToPosition:     o.ToPosition,
	}
}

// skip reports records the replay reads but does not deliver. Aggregate
// filters are part of the store query, so records they exclude are never read
// and only SkipEventTypes can skip.
func (o Options) skip(rec eventhub.Record) bool {
	return slices.Contains(o.SkipEventTypes, rec.EventType)
}

// ItemError identifies one record that failed to replay.
type ItemError struct {
	EventID       uuid.UUID `json:"eventId"`
	EventType     string    `json:"eventType"`
	AggregateID   string    `json:"aggregateId"`
	AggregateType string    `json:"aggregateType"`
	Position      int64     `json:"position"`
	Error         string    `json:"error"`
}

// Result summarises a replay run.
type Result struct {
	Success         bool           `json:"success"`
	TotalEvents     int            `json:"totalEvents"`
	ProcessedEvents int            `json:"processedEvents"`
	FailedEvents    int            `json:"failedEvents"`
	SkippedEvents   int            `json:"skippedEvents"`
	EventsByType    map[string]int `json:"eventsByType"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         time.Time      `json:"endTime"`
	Duration        time.Duration  `json:"duration"`
	Errors          []ItemError    `json:"errors"`
}

// TimeRange is the span of event timestamps in a preview.
type TimeRange struct {
	From time.Time `json:"from,omitzero"`
	To   time.Time `json:"to,omitzero"`
}

// Preview describes what a replay with the same options would deliver.
type Preview struct {
	TotalEvents       int            `json:"totalEvents"`
	SkippedEvents     int            `json:"skippedEvents"`
	EventsByType      map[string]int `json:"eventsByType"`
	EventsByAggregate map[string]int `json:"eventsByAggregate"`
	TimeRange         TimeRange      `json:"timeRange"`
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *logrus.Entry) Option {
	return func(e *Engine) { e.log = l }
}

// WithBatchSize sets the page size for runs that do not set Options.BatchSize.
func WithBatchSize(n int) Option {
	return func(e *Engine) { e.batchSize = n }
}

// Engine runs replays against one store and one target.
type Engine struct {
	store     eventhub.EventStore
	target    eventhub.Republisher
	log       *logrus.Entry
	clock     func() time.Time
	batchSize int
}

// New creates an engine reading store and delivering to target.
func New(store eventhub.EventStore, target eventhub.Republisher, opts ...Option) *Engine {
	e := &Engine{store: store, target: target, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		e.log = logrus.NewEntry(l)
	}
	e.log = e.log.WithField("component", "replay")
	return e
}

// Replay delivers every record matching opts in position order. Failures of
// single records are collected in the result and never stop the run; only a
// store error or a cancelled ctx does, in which case the partial result is
// returned with the error.
func (e *Engine) Replay(ctx context.Context, opts Options) (Result, error) {
	res := Result{EventsByType: map[string]int{}, Errors: []ItemError{}, StartTime: e.clock().UTC()}
	finish := func(err error) (Result, error) {
		res.EndTime = e.clock().UTC()
		res.Duration = res.EndTime.Sub(res.StartTime)
		res.Success = err == nil && res.FailedEvents == 0
		return res, err
	}

	if err := opts.Validate(); err != nil {
		return finish(err)
	}
	total, err := e.store.CountEvents(ctx, opts.query())
	if err != nil {
		return finish(fmt.Errorf("count events: %w", err))
	}
	res.TotalEvents = total

	log := e.log.WithFields(logrus.Fields{"total": total, "dry_run": opts.DryRun})
	log.Info("replay started")

	err = e.pages(ctx, opts, func(batch []eventhub.Record) error {
		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			e.replayOne(ctx, opts, rec, &res, log)
			if opts.OnProgress != nil {
				opts.OnProgress(res.ProcessedEvents+res.FailedEvents+res.SkippedEvents, total)
			}
		}
		return nil
	})

	res, err = finish(err)
	log.WithFields(logrus.Fields{
		"processed": res.ProcessedEvents,
		"failed":    res.FailedEvents,
		"skipped":   res.SkippedEvents,
		"duration":  res.Duration,
	}).Info("replay finished")
	return res, err
}

// replayOne skips, counts or delivers rec and records the outcome in res.
func (e *Engine) replayOne(ctx context.Context, opts Options, rec eventhub.Record, res *Result, log *logrus.Entry) {
	if opts.skip(rec) {
		res.SkippedEvents++
		return
	}
	if !opts.DryRun {
		if err := e.target.Republish(ctx, rec); err != nil {
			res.FailedEvents++
			res.Errors = append(res.Errors, ItemError{
				EventID:       rec.EventID,
				EventType:     rec.EventType,
				AggregateID:   rec.AggregateID,
				AggregateType: rec.AggregateType,
				Position:      rec.Position,
				Error:         err.Error(),
			})
			if opts.OnError != nil {
				opts.OnError(rec, err)
			}
			log.WithError(err).WithFields(logrus.Fields{"event_id": rec.EventID, "position": rec.Position}).Warn("replay item failed")
			return
		}
	}
	res.ProcessedEvents++
	res.EventsByType[rec.EventType]++
}

// ReplayAggregate replays the history of one aggregate.
func (e *Engine) ReplayAggregate(ctx context.Context, aggregateType, aggregateID string, opts Options) (Result, error) {
	opts.AggregateTypes = []string{aggregateType}
	opts.AggregateIDs = []string{aggregateID}
	return e.Replay(ctx, opts)
}

// ReplayTimeRange replays the records stored between from and to inclusive.
func (e *Engine) ReplayTimeRange(ctx context.Context, from, to time.Time, opts Options) (Result, error) {
	opts.FromTimestamp, opts.ToTimestamp = from, to
	return e.Replay(ctx, opts)
}

// ReplayEventTypes replays the records of the given types.
func (e *Engine) ReplayEventTypes(ctx context.Context, eventTypes []string, opts Options) (Result, error) {
	if len(eventTypes) == 0 {
		return Result{}, errors.New("replay: no event types given")
	}
	opts.EventTypes = eventTypes
	return e.Replay(ctx, opts)
}

// Preview reports what Replay would deliver for opts without delivering
// anything.
func (e *Engine) Preview(ctx context.Context, opts Options) (Preview, error) {
	p := Preview{EventsByType: map[string]int{}, EventsByAggregate: map[string]int{}}
	if err := opts.Validate(); err != nil {
		return p, err
	}
	total, err := e.store.CountEvents(ctx, opts.query())
	if err != nil {
		return p, fmt.Errorf("count events: %w", err)
	}
	p.TotalEvents = total

	err = e.pages(ctx, opts, func(batch []eventhub.Record) error {
		for _, rec := range batch {
			if opts.skip(rec) {
				p.SkippedEvents++
				continue
			}
			p.EventsByType[rec.EventType]++
			p.EventsByAggregate[rec.AggregateType+"/"+rec.AggregateID]++
			if p.TimeRange.From.IsZero() || rec.Timestamp.Before(p.TimeRange.From) {
				p.TimeRange.From = rec.Timestamp
			}
			if rec.Timestamp.After(p.TimeRange.To) {
				p.TimeRange.To = rec.Timestamp
			}
		}
		return nil
	})
	return p, err
}

// pages walks the matching records by position cursor, pausing BatchDelay
// between batches.
func (e *Engine) pages(ctx context.Context, opts Options, fn func([]eventhub.Record) error) error {
	size := cmp.Or(opts.BatchSize, e.batchSize, DefaultBatchSize)
	q := opts.query()
	q.Limit = size

	for first := true; ; first = false {
		if !first && opts.BatchDelay > 0 {
			timer := time.NewTimer(opts.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		batch, err := e.store.QueryEvents(ctx, q)
		if err != nil {
			return fmt.Errorf("read events from position %d: %w", q.FromPosition, err)
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < size {
			return nil
		}
		q.FromPosition = batch[len(batch)-1].Position + 1
	}
}
