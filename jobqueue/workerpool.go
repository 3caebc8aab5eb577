package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Processor runs one claimed job. A nil error completes the job.
type Processor func(ctx context.Context, job Job) error

// PoolConfig tunes a WorkerPool.
type PoolConfig struct {
	// Shards is the number of goroutines a claimed batch is spread over. Jobs
	// of one aggregate always land on the same shard.
	Shards int
	// BatchSize is the claim limit per poll.
	BatchSize int
	// PollInterval is the pause between polls when the queue is drained.
	PollInterval time.Duration
	// ProcessingTimeout is how long a job may stay claimed before another poll
	// requeues it.
	ProcessingTimeout time.Duration
	Logger            *logrus.Entry
}

// PoolOption configures a WorkerPool.
type PoolOption func(*PoolConfig)

func WithShards(n int) PoolOption {
	return func(c *PoolConfig) { c.Shards = n }
}

func WithBatchSize(n int) PoolOption {
	return func(c *PoolConfig) { c.BatchSize = n }
}

func WithPollInterval(d time.Duration) PoolOption {
	return func(c *PoolConfig) { c.PollInterval = d }
}

func WithProcessingTimeout(d time.Duration) PoolOption {
	return func(c *PoolConfig) { c.ProcessingTimeout = d }
}

func WithPoolLogger(l *logrus.Entry) PoolOption {
	return func(c *PoolConfig) { c.Logger = l }
}

// WorkerPool polls a Queue and runs claimed jobs through a Processor.
//
// Each poll requeues stuck jobs, claims a batch and shards it by the FNV hash
// of the aggregate id. Shards run in parallel while the jobs inside one shard
// run one after the other in claim order, so events of one aggregate are
// delivered in position order unless a retry reorders them.
type WorkerPool struct {
	queue   Queue
	process Processor
	cfg     PoolConfig
	log     *logrus.Entry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewWorkerPool creates a stopped pool.
func NewWorkerPool(queue Queue, process Processor, opts ...PoolOption) *WorkerPool {
	cfg := PoolConfig{
		Shards:            4,
		BatchSize:         100,
		PollInterval:      500 * time.Millisecond,
		ProcessingTimeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = logrus.NewEntry(l)
	}
	return &WorkerPool{
		queue:   queue,
		process: process,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "workerpool"),
	}
}

// Start launches the polling loop. It returns an error if the pool already runs.
func (p *WorkerPool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(ctx, p.done)
	p.log.WithFields(logrus.Fields{"shards": p.cfg.Shards, "batch_size": p.cfg.BatchSize}).Info("worker pool started")
	return nil
}

// Stop cancels polling and waits for the in-flight batch, or for ctx.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the polling loop is active.
func (p *WorkerPool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *WorkerPool) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// keep polling while batches come back full
		for {
			n, err := p.Poll(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.WithError(err).Error("poll failed")
			}
			if err != nil || n < p.cfg.BatchSize {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs a single cycle: requeue stuck jobs, claim one batch and process it.
// It returns the number of jobs claimed once all of them are settled.
func (p *WorkerPool) Poll(ctx context.Context) (int, error) {
	if p.cfg.ProcessingTimeout > 0 {
		n, err := p.queue.RequeueStuck(ctx, p.cfg.ProcessingTimeout)
		if err != nil {
			return 0, fmt.Errorf("requeue stuck jobs: %w", err)
		}
		if n > 0 {
			p.log.WithField("count", n).Warn("requeued stuck jobs")
		}
	}

	jobs, err := p.queue.Claim(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	shards := make([][]Job, p.cfg.Shards)
	for _, job := range jobs {
		i := p.shard(job.Record.AggregateID)
		shards[i] = append(shards[i], job)
	}

	var wg sync.WaitGroup
	for _, batch := range shards {
		if len(batch) == 0 {
			continue
		}
		wg.Add(1)
		go func(batch []Job) {
			defer wg.Done()
			for _, job := range batch {
				p.run(ctx, job)
			}
		}(batch)
	}
	wg.Wait()
	return len(jobs), nil
}

// Drain polls until a cycle claims nothing. Jobs scheduled for a later retry
// are left alone.
func (p *WorkerPool) Drain(ctx context.Context) error {
	for {
		n, err := p.Poll(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, job Job) {
	log := p.log.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"handler":      job.HandlerName,
		"event_id":     job.Record.EventID,
		"event_type":   job.Record.EventType,
		"aggregate_id": job.Record.AggregateID,
		"attempt":      job.Attempts,
	})

	err := p.safeProcess(ctx, job)
	// settle even when ctx is cancelled so the job does not wait for the stuck timeout
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		if err := p.queue.Complete(settleCtx, job.ID); err != nil {
			log.WithError(err).Error("complete job failed")
		}
		return
	}

	status, ferr := p.queue.Fail(settleCtx, job.ID, err)
	if ferr != nil {
		log.WithError(ferr).Error("fail job failed")
		return
	}
	if status == StatusFailed {
		log.WithError(err).Error("job failed permanently")
		return
	}
	log.WithError(err).Warn("job rescheduled")
}

func (p *WorkerPool) safeProcess(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler %s: %v", job.HandlerName, r)
		}
	}()
	return p.process(ctx, job)
}

func (p *WorkerPool) shard(aggregateID string) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(aggregateID))
	return int(hash.Sum32() % uint32(p.cfg.Shards))
}
