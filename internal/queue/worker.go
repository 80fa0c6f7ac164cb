package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/afroverse/notify/internal/metrics"
)

// Handler processes one job. A returned error makes the worker requeue
// the job with backoff per the queue's policy until attempts run out.
// Panics are treated the same way: a malformed payload fails its attempt
// rather than killing the worker.
type Handler func(ctx context.Context, job *Job) error

// Config tunes one worker.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
}

// Worker drains one queue with a poll loop: promote due delayed jobs,
// pop a batch, process each job on a bounded set of goroutines.
type Worker struct {
	queue   *Queue
	handler Handler
	config  Config
	logger  *zap.Logger
}

// NewWorker creates a worker for the queue.
func NewWorker(q *Queue, handler Handler, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	return &Worker{queue: q, handler: handler, config: cfg, logger: logger}
}

// Start runs the poll loop until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("queue worker starting",
		zap.String("queue", w.queue.Name()),
		zap.Int("concurrency", w.config.Concurrency),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("queue worker stopping", zap.String("queue", w.queue.Name()))
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if err := w.queue.PromoteDue(ctx); err != nil {
		w.logger.Error("failed to promote delayed jobs", zap.Error(err))
	}

	sem := make(chan struct{}, w.config.Concurrency)
	var wg sync.WaitGroup

	for i := 0; i < w.config.BatchSize; i++ {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			w.logger.Error("failed to pop job", zap.Error(err))
			break
		}
		if job == nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(job *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, job)
		}(job)
	}

	wg.Wait()
	_, _ = w.queue.Depth(ctx)
}

func (w *Worker) process(ctx context.Context, job *Job) {
	job.Attempt++

	err := w.run(ctx, job)
	if err == nil {
		metrics.RecordJob(w.queue.Name(), "completed")
		w.queue.RecordCompleted(ctx, job)
		return
	}

	w.logger.Warn("job attempt failed",
		zap.String("queue", w.queue.Name()),
		zap.String("job_id", job.ID.String()),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)

	policy := w.queue.Policy()
	if job.Attempt >= policy.MaxAttempts {
		metrics.RecordJob(w.queue.Name(), "failed")
		w.queue.RecordFailed(ctx, job, err)
		return
	}

	delay := policy.Delay(job.Attempt)
	metrics.RecordJob(w.queue.Name(), "retried")
	if reqErr := w.queue.EnqueueIn(ctx, job, delay); reqErr != nil {
		w.logger.Error("failed to requeue job",
			zap.String("job_id", job.ID.String()),
			zap.Error(reqErr),
		)
	}
}

// run invokes the handler, converting a panic into an attempt failure.
func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return w.handler(ctx, job)
}
