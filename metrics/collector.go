// Package metrics exposes bus counters and job queue depth to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub/eventbus"
	"github.com/terraskye/eventhub/jobqueue"
)

// BusSource is satisfied by *eventbus.Bus.
type BusSource interface {
	Metrics() eventbus.Metrics
}

// QueueSource is satisfied by every jobqueue.Queue.
type QueueSource interface {
	Stats(ctx context.Context) (jobqueue.Stats, error)
}

// Collector reads the bus and the queue on every scrape.
type Collector struct {
	bus     BusSource
	queue   QueueSource
	timeout time.Duration
	now     func() time.Time
	log     *logrus.Entry

	published       *prometheus.Desc
	republished     *prometheus.Desc
	processed       *prometheus.Desc
	failed          *prometheus.Desc
	eventsByType    *prometheus.Desc
	handlerOutcomes *prometheus.Desc
	stageFailures   *prometheus.Desc
	avgProcessing   *prometheus.Desc
	jobs            *prometheus.Desc
	lag             *prometheus.Desc
	scrapeErrors    prometheus.Counter
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector. queue may be nil, in which case only the
// bus counters are exported.
func NewCollector(bus BusSource, queue QueueSource, log *logrus.Entry) *Collector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Collector{
		bus:     bus,
		queue:   queue,
		timeout: 5 * time.Second,
		now:     time.Now,
		log:     log.WithField("component", "metrics"),

		published:       prometheus.NewDesc("eventhub_bus_published_total", "Events published through the bus.", nil, nil),
		republished:     prometheus.NewDesc("eventhub_bus_republished_total", "Stored events delivered again by replay.", nil, nil),
		processed:       prometheus.NewDesc("eventhub_bus_processed_total", "Handler calls that succeeded.", nil, nil),
		failed:          prometheus.NewDesc("eventhub_bus_failed_total", "Handler calls that failed.", nil, nil),
		eventsByType:    prometheus.NewDesc("eventhub_bus_events_total", "Published events by type.", []string{"event_type"}, nil),
		handlerOutcomes: prometheus.NewDesc("eventhub_handler_calls_total", "Handler calls by handler and outcome.", []string{"handler", "outcome"}, nil),
		stageFailures:   prometheus.NewDesc("eventhub_publish_stage_failures_total", "Publish failures by stage.", []string{"stage"}, nil),
		avgProcessing:   prometheus.NewDesc("eventhub_handler_avg_duration_seconds", "Mean handler duration over the recent window.", nil, nil),
		jobs:            prometheus.NewDesc("eventhub_jobs", "Delivery jobs by status.", []string{"status"}, nil),
		lag:             prometheus.NewDesc("eventhub_jobs_lag_seconds", "Age of the oldest pending delivery job.", nil, nil),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventhub_metrics_scrape_errors_total",
			Help: "Queue statistics that could not be read during a scrape.",
		}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.published, c.republished, c.processed, c.failed, c.eventsByType,
		c.handlerOutcomes, c.stageFailures, c.avgProcessing, c.jobs, c.lag,
	} {
		ch <- d
	}
	c.scrapeErrors.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.bus.Metrics()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.published, m.TotalPublished)
	counter(c.republished, m.TotalRepublished)
	counter(c.processed, m.TotalProcessed)
	counter(c.failed, m.TotalFailed)
	for typ, n := range m.EventsByType {
		counter(c.eventsByType, n, typ)
	}
	for handler, n := range m.ProcessedByHandler {
		counter(c.handlerOutcomes, n, handler, "success")
	}
	for handler, n := range m.FailedByHandler {
		counter(c.handlerOutcomes, n, handler, "failure")
	}
	for stage, n := range m.FailuresByStage {
		counter(c.stageFailures, n, string(stage))
	}
	ch <- prometheus.MustNewConstMetric(c.avgProcessing, prometheus.GaugeValue, m.AverageProcessingTime.Seconds())

	if c.queue != nil {
		c.collectQueue(ch)
	}
	c.scrapeErrors.Collect(ch)
}

func (c *Collector) collectQueue(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.queue.Stats(ctx)
	if err != nil {
		c.scrapeErrors.Inc()
		c.log.WithError(err).Warn("read queue stats")
		return
	}
	for status, n := range map[jobqueue.Status]int64{
		jobqueue.StatusPending:    stats.Pending,
		jobqueue.StatusProcessing: stats.Processing,
		jobqueue.StatusCompleted:  stats.Completed,
		jobqueue.StatusFailed:     stats.Failed,
	} {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(n), string(status))
	}

	lag := 0.0
	if !stats.OldestPending.IsZero() {
		lag = c.now().Sub(stats.OldestPending).Seconds()
	}
	ch <- prometheus.MustNewConstMetric(c.lag, prometheus.GaugeValue, lag)
}
