// Package memory is an in-process jobqueue.Queue for tests and single node use.
// Completed jobs are dropped and only counted; pending, processing and failed
// jobs are kept until the process exits.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terraskye/eventhub/jobqueue"
)

// Queue keeps jobs in a map guarded by a mutex. order may hold completed jobs
// until the next compaction.
type Queue struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*jobqueue.Job
	order     []*jobqueue.Job
	stale     int
	completed int64
	backoff   jobqueue.Backoff
	clock     func() time.Time
}

type Option func(*Queue)

// WithBackoff sets the delay between attempts.
func WithBackoff(b jobqueue.Backoff) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		jobs:    make(map[uuid.UUID]*jobqueue.Job),
		backoff: jobqueue.DefaultBackoff,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) now() time.Time { return q.clock().UTC() }

func (q *Queue) Enqueue(ctx context.Context, jobs ...jobqueue.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range jobs {
		if _, exists := q.jobs[j.ID]; exists {
			return fmt.Errorf("enqueue job %s: duplicate id", j.ID)
		}
	}
	ts := q.now()
	for _, j := range jobs {
		if j.Status == "" {
			j.Status = jobqueue.StatusPending
		}
		if j.MaxAttempts <= 0 {
			j.MaxAttempts = jobqueue.DefaultMaxAttempts
		}
		if j.NextAttemptAt.IsZero() {
			j.NextAttemptAt = ts
		}
		if j.CreatedAt.IsZero() {
			j.CreatedAt = ts
		}
		j.UpdatedAt = ts
		q.jobs[j.ID] = &j
		q.order = append(q.order, &j)
	}
	return nil
}

func (q *Queue) Claim(ctx context.Context, limit int) ([]jobqueue.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.now()
	var due []*jobqueue.Job
	for j := range q.live() {
		if j.Status == jobqueue.StatusPending && !j.NextAttemptAt.After(ts) {
			due = append(due, j)
		}
	}
	slices.SortStableFunc(due, func(a, b *jobqueue.Job) int {
		if a.Record.Position != b.Record.Position {
			return cmp.Compare(a.Record.Position, b.Record.Position)
		}
		return cmp.Compare(b.Priority, a.Priority)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]jobqueue.Job, 0, len(due))
	for _, j := range due {
		j.Status = jobqueue.StatusProcessing
		j.Attempts++
		j.ClaimedAt = ts
		j.UpdatedAt = ts
		out = append(out, *j)
	}
	return out, nil
}

func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; !ok {
		return fmt.Errorf("complete %s: %w", id, jobqueue.ErrJobNotFound)
	}
	delete(q.jobs, id)
	q.completed++
	q.stale++
	if q.stale > len(q.order)/2 {
		q.order = slices.DeleteFunc(q.order, func(j *jobqueue.Job) bool { return !q.retained(j) })
		q.stale = 0
	}
	return nil
}

func (q *Queue) Fail(ctx context.Context, id uuid.UUID, cause error) (jobqueue.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return "", fmt.Errorf("fail %s: %w", id, jobqueue.ErrJobNotFound)
	}
	*j = jobqueue.Transition(*j, cause, q.now(), q.backoff)
	return j.Status, nil
}

func (q *Queue) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ts := q.now()
	cutoff := ts.Add(-timeout)
	var n int64
	for j := range q.live() {
		if j.Status != jobqueue.StatusProcessing || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		if j.Exhausted() {
			*j = jobqueue.Transition(*j, jobqueue.ErrClaimExpired, ts, q.backoff)
		} else {
			j.Status = jobqueue.StatusPending
			j.ClaimedAt = time.Time{}
			j.NextAttemptAt = ts
			j.UpdatedAt = ts
		}
		n++
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (jobqueue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := jobqueue.Stats{Completed: q.completed}
	for j := range q.live() {
		switch j.Status {
		case jobqueue.StatusPending:
			s.Pending++
			if s.OldestPending.IsZero() || j.CreatedAt.Before(s.OldestPending) {
				s.OldestPending = j.CreatedAt
			}
		case jobqueue.StatusProcessing:
			s.Processing++
		case jobqueue.StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (q *Queue) Failed(ctx context.Context, limit int) ([]jobqueue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []jobqueue.Job
	for j := range q.live() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j.Status == jobqueue.StatusFailed {
			out = append(out, *j)
		}
	}
	return out, nil
}

// Jobs returns a copy of every retained job in enqueue order.
func (q *Queue) Jobs() []jobqueue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]jobqueue.Job, 0, len(q.jobs))
	for j := range q.live() {
		out = append(out, *j)
	}
	return out
}

// live yields the retained jobs in enqueue order. Callers hold mu.
func (q *Queue) live() iter.Seq[*jobqueue.Job] {
	return func(yield func(*jobqueue.Job) bool) {
		for _, j := range q.order {
			if q.retained(j) && !yield(j) {
				return
			}
		}
	}
}

// retained reports whether j is still stored. A completed id enqueued again is
// a different job.
func (q *Queue) retained(j *jobqueue.Job) bool {
	return q.jobs[j.ID] == j
}
