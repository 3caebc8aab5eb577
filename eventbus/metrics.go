package eventbus

import (
	"maps"
	"sync"
	"time"

	"github.com/terraskye/eventhub"
)

// DefaultMetricsWindow is the number of handler durations the average is taken over.
const DefaultMetricsWindow = 1000

// Metrics is a point in time copy of the bus counters.
type Metrics struct {
	TotalPublished   int64 `json:"totalPublished"`
	TotalRepublished int64 `json:"totalRepublished"`
	TotalProcessed   int64 `json:"totalProcessed"`
	TotalFailed      int64 `json:"totalFailed"`

	EventsByType       map[string]int64                `json:"eventsByType"`
	ProcessedByHandler map[string]int64                `json:"processedByHandler"`
	FailedByHandler    map[string]int64                `json:"failedByHandler"`
	FailuresByStage    map[eventhub.PublishStage]int64 `json:"failuresByStage"`

	// AverageProcessingTime is the mean handler duration over the last Samples calls.
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	Samples               int           `json:"samples"`
}

type recorder struct {
	mu     sync.Mutex
	m      Metrics
	window []time.Duration
	next   int
	full   bool
}

func newRecorder(size int) *recorder {
	if size <= 0 {
		size = DefaultMetricsWindow
	}
	r := &recorder{window: make([]time.Duration, size)}
	r.reset()
	return r
}

func (r *recorder) reset() {
	r.m = Metrics{
		EventsByType:       map[string]int64{},
		ProcessedByHandler: map[string]int64{},
		FailedByHandler:    map[string]int64{},
		FailuresByStage:    map[eventhub.PublishStage]int64{},
	}
	clear(r.window)
	r.next, r.full = 0, false
}

func (r *recorder) published(eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.TotalPublished++
	r.m.EventsByType[eventType]++
}

func (r *recorder) republished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.TotalRepublished++
}

func (r *recorder) stageFailed(stage eventhub.PublishStage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m.FailuresByStage[stage]++
}

func (r *recorder) handled(handler string, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.m.TotalFailed++
		r.m.FailedByHandler[handler]++
	} else {
		r.m.TotalProcessed++
		r.m.ProcessedByHandler[handler]++
	}

	r.window[r.next] = d
	r.next = (r.next + 1) % len(r.window)
	if r.next == 0 {
		r.full = true
	}
}

func (r *recorder) snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.m
	out.EventsByType = maps.Clone(r.m.EventsByType)
	out.ProcessedByHandler = maps.Clone(r.m.ProcessedByHandler)
	out.FailedByHandler = maps.Clone(r.m.FailedByHandler)
	out.FailuresByStage = maps.Clone(r.m.FailuresByStage)

	n := r.next
	if r.full {
		n = len(r.window)
	}
	if n > 0 {
		var sum time.Duration
		for _, d := range r.window[:n] {
			sum += d
		}
		out.AverageProcessingTime = sum / time.Duration(n)
	}
	out.Samples = n
	return out
}

func (r *recorder) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}
