// Package jobqueue holds the durable delivery jobs of the event bus: one job per
// (stored event, asynchronous subscription). Workers claim jobs, run the handler
// and either complete them or send them back with a backoff until the attempt
// budget is spent, after which the job stays failed.
package jobqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/eventhub"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxAttempts is used when a job is enqueued without an attempt budget.
const DefaultMaxAttempts = 5

var (
	// ErrJobNotFound is returned when completing or failing an unknown job.
	ErrJobNotFound = errors.New("job not found")
	// ErrClaimExpired is recorded on a job whose worker held it past the stuck timeout.
	ErrClaimExpired = errors.New("claim expired")
)

// Job delivers one stored event to one named handler.
type Job struct {
	ID            uuid.UUID       `json:"id"`
	HandlerName   string          `json:"handlerName"`
	Record        eventhub.Record `json:"record"`
	Status        Status          `json:"status"`
	Priority      int             `json:"priority"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"maxAttempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	ClaimedAt     time.Time       `json:"claimedAt,omitzero"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// NewJob creates a pending job for rec and handlerName, due immediately.
func NewJob(rec eventhub.Record, handlerName string, priority, maxAttempts int) Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ts := time.Now().UTC()
	return Job{
		ID:            uuid.New(),
		HandlerName:   handlerName,
		Record:        rec,
		Status:        StatusPending,
		Priority:      priority,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: ts,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

// Exhausted reports whether the attempts made so far use up the budget.
func (j Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Stats counts jobs per status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	// OldestPending is the creation time of the oldest pending job, zero if none.
	OldestPending time.Time `json:"oldestPending,omitzero"`
}

// Total is the number of jobs in any state.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed
}

// Queue is the durable store of delivery jobs.
type Queue interface {
	// Enqueue stores pending jobs.
	Enqueue(ctx context.Context, jobs ...Job) error

	// Claim moves up to limit due pending jobs to processing and counts the
	// attempt. Jobs are handed out in global position order.
	Claim(ctx context.Context, limit int) ([]Job, error)

	// Complete marks a claimed job as done.
	Complete(ctx context.Context, id uuid.UUID) error

	// Fail records cause on a claimed job. The job goes back to pending after a
	// backoff, or to failed once its attempts are exhausted. The new status is
	// returned.
	Fail(ctx context.Context, id uuid.UUID, cause error) (Status, error)

	// RequeueStuck releases jobs processing for longer than timeout. They go
	// back to pending, or to failed when the expired claim used up their last
	// attempt. The number of released jobs is returned.
	RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error)

	Stats(ctx context.Context) (Stats, error)

	// Failed lists jobs that used up their attempts, oldest first.
	Failed(ctx context.Context, limit int) ([]Job, error)
}

// Backoff returns how long to wait after the given number of failed attempts.
type Backoff func(attempts int) time.Duration

// PolicyBackoff derives a Backoff from a retry policy, capped at ceiling.
func PolicyBackoff(policy eventhub.RetryPolicy, ceiling time.Duration) Backoff {
	return func(attempts int) time.Duration {
		d := policy.Delay(attempts)
		if d <= 0 || (ceiling > 0 && d > ceiling) {
			return ceiling
		}
		return d
	}
}

// DefaultBackoff doubles from one second up to five minutes.
var DefaultBackoff = PolicyBackoff(eventhub.RetryPolicy{
	Strategy:     eventhub.Exponential,
	InitialDelay: time.Second,
}, 5*time.Minute)

// Transition computes the state of j after a failed attempt at the given time.
// Queue implementations share it so that every backend retries the same way.
func Transition(j Job, cause error, at time.Time, backoff Backoff) Job {
	j.ClaimedAt = time.Time{}
	j.UpdatedAt = at
	if cause != nil {
		j.LastError = cause.Error()
	}
	if j.Exhausted() {
		j.Status = StatusFailed
		return j
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	j.Status = StatusPending
	j.NextAttemptAt = at.Add(backoff(j.Attempts))
	return j
}
