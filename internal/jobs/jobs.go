// Package jobs provides the in-process job queue backing asynchronous work
// (settlement, webhook fan-out, webhook delivery).
//
// Delivery is at-least-once: a handler that returns a retryable error is
// re-run with backoff up to MaxAttempts, and handlers must tolerate duplicate
// execution. There is no ordering guarantee between jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/settleflow/internal/metrics"
	"github.com/mbd888/settleflow/internal/retry"
)

// ErrUnknownType is returned when a job names a type with no registered handler.
var ErrUnknownType = errors.New("unknown job type")

// ErrQueueClosed is returned by Enqueue after the queue has shut down.
var ErrQueueClosed = errors.New("job queue closed")

// Handler processes one job payload. Returning retry.Permanent(err) stops
// retries; any other error is retried with backoff.
type Handler func(ctx context.Context, payload []byte) error

// Job is a single unit of queued work.
type Job struct {
	ID      string
	Type    string
	Payload []byte
}

// Config tunes the queue.
type Config struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	BufferSize  int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:     8,
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		BufferSize:  1024,
	}
}

// Queue is an in-process job queue with a worker pool.
type Queue struct {
	cfg      Config
	logger   *slog.Logger
	jobs     chan Job
	handlers map[string]Handler

	mu      sync.RWMutex
	closed  bool
	started bool
}

// New creates a queue. Register handlers before calling Start.
func New(cfg Config, logger *slog.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1
	}
	return &Queue{
		cfg:      cfg,
		logger:   logger,
		jobs:     make(chan Job, cfg.BufferSize),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job type. Must be called before Start.
func (q *Queue) Register(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		panic("jobs: Register after Start")
	}
	q.handlers[jobType] = h
}

// Enqueue submits a job. It blocks only when the buffer is full, and fails
// fast when ctx ends or the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload []byte) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	if _, ok := q.handlers[jobType]; !ok {
		q.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownType, jobType)
	}
	q.mu.RUnlock()

	job := Job{ID: uuid.NewString(), Type: jobType, Payload: payload}
	select {
	case q.jobs <- job:
		metrics.JobQueueDepth.Set(float64(len(q.jobs)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the worker pool until ctx is done, then drains in-flight
// workers and returns. Call in a goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	q.started = true
	q.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(q.cfg.Workers)
	for i := 0; i < q.cfg.Workers; i++ {
		go func() {
			defer wg.Done()
			q.worker(ctx)
		}()
	}
	<-ctx.Done()

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			metrics.JobQueueDepth.Set(float64(len(q.jobs)))
			q.process(ctx, job)
		}
	}
}

// process runs one job through the retry policy. A panic inside a handler is
// contained to the job: it is logged and counted as a dead job, not allowed
// to kill the worker.
func (q *Queue) process(ctx context.Context, job Job) {
	q.mu.RLock()
	handler := q.handlers[job.Type]
	q.mu.RUnlock()
	if handler == nil {
		q.logger.Error("no handler for job", "job_id", job.ID, "type", job.Type)
		metrics.JobsTotal.WithLabelValues(job.Type, "dead").Inc()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in job handler",
				"job_id", job.ID, "type", job.Type, "panic", fmt.Sprint(r))
			metrics.JobsTotal.WithLabelValues(job.Type, "dead").Inc()
		}
	}()

	attempts := 0
	err := retry.Do(ctx, q.cfg.MaxAttempts, q.cfg.BaseDelay, func() error {
		attempts++
		return handler(ctx, job.Payload)
	})
	if err != nil {
		// Terminal failure is an operational alert, never silent.
		q.logger.Error("job failed permanently",
			"job_id", job.ID, "type", job.Type, "attempts", attempts, "error", err)
		metrics.JobsTotal.WithLabelValues(job.Type, "dead").Inc()
		return
	}
	if attempts > 1 {
		metrics.JobsTotal.WithLabelValues(job.Type, "retried").Inc()
	}
	metrics.JobsTotal.WithLabelValues(job.Type, "ok").Inc()
}
