// Package analytics computes read-only statistics over an event store. A
// Reader scans the store once, keeps the aggregated snapshot for a TTL and
// derives every report from it.
package analytics

import (
	"cmp"
	"context"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
)

// DefaultTTL is how long a computed snapshot is served before the next scan.
const DefaultTTL = time.Minute

// MaxDays bounds the window of the daily histogram and trends.
const MaxDays = 365

// Summary counts events over the usual reporting windows.
type Summary struct {
	TotalEvents      int            `json:"totalEvents"`
	EventsToday      int            `json:"eventsToday"`
	EventsLast7Days  int            `json:"eventsLast7Days"`
	EventsLast30Days int            `json:"eventsLast30Days"`
	ByEventType      map[string]int `json:"byEventType"`
	ByAggregateType  map[string]int `json:"byAggregateType"`
	GeneratedAt      time.Time      `json:"generatedAt"`
}

// Bucket is one histogram bar.
type Bucket struct {
	Start time.Time `json:"start"`
	Count int       `json:"count"`
}

// AggregateCount is the activity of one aggregate.
type AggregateCount struct {
	AggregateType string    `json:"aggregateType"`
	AggregateID   string    `json:"aggregateId"`
	Events        int       `json:"events"`
	LastVersion   int64     `json:"lastVersion"`
	LastEventAt   time.Time `json:"lastEventAt"`
}

// Health tells whether the store is receiving events.
type Health struct {
	// Healthy is true when at least one event was stored in the last 24 hours.
	Healthy          bool      `json:"healthy"`
	EventsLast24h    int       `json:"eventsLast24h"`
	AvgEventsPerHour float64   `json:"avgEventsPerHour"`
	TotalEvents      int       `json:"totalEvents"`
	LastPosition     int64     `json:"lastPosition"`
	LastEventAt      time.Time `json:"lastEventAt,omitzero"`
}

// Direction is the overall movement of a trend.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
	Flat Direction = "flat"
)

// DayTrend is the count of one day and its change against the day before, in percent.
type DayTrend struct {
	Date   time.Time `json:"date"`
	Count  int       `json:"count"`
	Change float64   `json:"change"`
}

// Trends covers the last N days, oldest first.
type Trends struct {
	Days          []DayTrend `json:"days"`
	Total         int        `json:"total"`
	AveragePerDay float64    `json:"averagePerDay"`
	Direction     Direction  `json:"direction"`
}

// Option configures a Reader.
type Option func(*Reader)

// WithTTL sets the cache lifetime. Zero disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(r *Reader) { r.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Reader) { r.clock = clock }
}

// WithPageSize sets how many records each store read fetches.
func WithPageSize(n int) Option {
	return func(r *Reader) { r.pageSize = n }
}

func WithLogger(l *logrus.Entry) Option {
	return func(r *Reader) { r.log = l }
}

// Reader serves analytics reports from a cached scan of the store.
type Reader struct {
	store    eventhub.EventStore
	ttl      time.Duration
	pageSize int
	clock    func() time.Time
	log      *logrus.Entry

	mu       sync.Mutex
	snap     *snapshot
	loadedAt time.Time
}

func NewReader(store eventhub.EventStore, opts ...Option) *Reader {
	r := &Reader{store: store, ttl: DefaultTTL, pageSize: 1000, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		r.log = logrus.NewEntry(l)
	}
	r.log = r.log.WithField("component", "analytics")
	return r
}

type aggregateKey struct{ aggregateType, aggregateID string }

type snapshot struct {
	at           time.Time
	total        int
	byType       map[string]int
	byAggType    map[string]int
	byAggregate  map[aggregateKey]*AggregateCount
	byHour       map[time.Time]int
	byDay        map[time.Time]int
	lastPosition int64
	lastEventAt  time.Time
	last24h      int
}

// Refresh drops the cached snapshot so the next report rescans the store.
func (r *Reader) Refresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = nil
}

func (r *Reader) load(ctx context.Context) (*snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	if r.snap != nil && r.ttl > 0 && now.Sub(r.loadedAt) < r.ttl {
		return r.snap, nil
	}

	s := &snapshot{
		at:          now,
		byType:      map[string]int{},
		byAggType:   map[string]int{},
		byAggregate: map[aggregateKey]*AggregateCount{},
		byHour:      map[time.Time]int{},
		byDay:       map[time.Time]int{},
	}
	hourCutoff := now.Add(-48 * time.Hour)
	dayCutoff := now.Add(-24 * time.Hour)

	it := eventhub.Scan(r.store, 0, r.pageSize)
	for it.Next(ctx) {
		rec := it.Value()
		ts := rec.Timestamp.UTC()

		s.total++
		s.byType[rec.EventType]++
		s.byAggType[rec.AggregateType]++
		s.byDay[day(ts)]++
		if ts.After(hourCutoff) {
			s.byHour[ts.Truncate(time.Hour)]++
		}
		if ts.After(dayCutoff) {
			s.last24h++
		}

		key := aggregateKey{rec.AggregateType, rec.AggregateID}
		agg, ok := s.byAggregate[key]
		if !ok {
			agg = &AggregateCount{AggregateType: rec.AggregateType, AggregateID: rec.AggregateID}
			s.byAggregate[key] = agg
		}
		agg.Events++
		agg.LastVersion = max(agg.LastVersion, rec.EventVersion)
		if ts.After(agg.LastEventAt) {
			agg.LastEventAt = ts
		}

		s.lastPosition = max(s.lastPosition, rec.Position)
		if ts.After(s.lastEventAt) {
			s.lastEventAt = ts
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	r.snap, r.loadedAt = s, now
	r.log.WithFields(logrus.Fields{"events": s.total, "last_position": s.lastPosition}).Debug("analytics snapshot computed")
	return s, nil
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Summary counts events today (UTC), in the last 7 and 30 days, by event type
// and by aggregate type.
func (r *Reader) Summary(ctx context.Context) (Summary, error) {
	s, err := r.load(ctx)
	if err != nil {
		return Summary{}, err
	}
	today := day(s.at)
	return Summary{
		TotalEvents:      s.total,
		EventsToday:      s.byDay[today],
		EventsLast7Days:  s.daysBack(7),
		EventsLast30Days: s.daysBack(30),
		ByEventType:      maps.Clone(s.byType),
		ByAggregateType:  maps.Clone(s.byAggType),
		GeneratedAt:      s.at,
	}, nil
}

// daysBack counts the events of today and the n-1 days before it.
func (s *snapshot) daysBack(n int) int {
	from := day(s.at).AddDate(0, 0, -(n - 1))
	total := 0
	for d, c := range s.byDay {
		if !d.Before(from) {
			total += c
		}
	}
	return total
}

// HourlyHistogram returns 24 hourly buckets ending with the current hour.
func (r *Reader) HourlyHistogram(ctx context.Context) ([]Bucket, error) {
	s, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	current := s.at.Truncate(time.Hour)
	out := make([]Bucket, 24)
	for i := range out {
		start := current.Add(time.Duration(i-23) * time.Hour)
		out[i] = Bucket{Start: start, Count: s.byHour[start]}
	}
	return out, nil
}

// DailyHistogram returns one bucket per day for the last days days, today last.
// days is clamped to MaxDays.
func (r *Reader) DailyHistogram(ctx context.Context, days int) ([]Bucket, error) {
	if days <= 0 {
		days = 7
	}
	days = min(days, MaxDays)
	s, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	today := day(s.at)
	out := make([]Bucket, days)
	for i := range out {
		start := today.AddDate(0, 0, i-(days-1))
		out[i] = Bucket{Start: start, Count: s.byDay[start]}
	}
	return out, nil
}

// TopAggregates returns the n aggregates with the most events.
func (r *Reader) TopAggregates(ctx context.Context, n int) ([]AggregateCount, error) {
	s, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AggregateCount, 0, len(s.byAggregate))
	for _, agg := range s.byAggregate {
		out = append(out, *agg)
	}
	slices.SortFunc(out, func(a, b AggregateCount) int {
		return cmp.Or(
			cmp.Compare(b.Events, a.Events),
			cmp.Compare(a.AggregateType, b.AggregateType),
			cmp.Compare(a.AggregateID, b.AggregateID),
		)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Health reports recent activity.
func (r *Reader) Health(ctx context.Context) (Health, error) {
	s, err := r.load(ctx)
	if err != nil {
		return Health{}, err
	}
	recent := s.last24h
	return Health{
		Healthy:          recent > 0,
		EventsLast24h:    recent,
		AvgEventsPerHour: float64(recent) / 24,
		TotalEvents:      s.total,
		LastPosition:     s.lastPosition,
		LastEventAt:      s.lastEventAt,
	}, nil
}

// Trends returns the daily counts of the last days days with day over day
// change, and compares the second half of the window with the first.
func (r *Reader) Trends(ctx context.Context, days int) (Trends, error) {
	buckets, err := r.DailyHistogram(ctx, days)
	if err != nil {
		return Trends{}, err
	}

	t := Trends{Days: make([]DayTrend, len(buckets)), Direction: Flat}
	for i, b := range buckets {
		t.Days[i] = DayTrend{Date: b.Start, Count: b.Count}
		if i > 0 {
			t.Days[i].Change = change(buckets[i-1].Count, b.Count)
		}
		t.Total += b.Count
	}
	t.AveragePerDay = float64(t.Total) / float64(len(buckets))

	half := len(buckets) / 2
	var first, second int
	for i, b := range buckets {
		if i < half {
			first += b.Count
		} else if i >= len(buckets)-half {
			second += b.Count
		}
	}
	switch {
	case second > first:
		t.Direction = Up
	case second < first:
		t.Direction = Down
	}
	return t, nil
}

func change(prev, cur int) float64 {
	if prev == 0 {
		if cur == 0 {
			return 0
		}
		return 100
	}
	return float64(cur-prev) / float64(prev) * 100
}
