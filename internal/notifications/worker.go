package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	NumWorkers      int
	LeaseDuration   time.Duration
	JobTimeout      time.Duration
	MaxBackoff      time.Duration
	StalledInterval time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:       10,
		PollInterval:    1 * time.Second,
		NumWorkers:      5,
		LeaseDuration:   5 * time.Minute,
		JobTimeout:      2 * time.Minute,
		MaxBackoff:      5 * time.Minute,
		StalledInterval: 30 * time.Second,
	}
}

// Worker claims jobs from the queue and runs their handlers.
type Worker struct {
	config   WorkerConfig
	queue    *Queue
	registry *Registry
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorker(config WorkerConfig, queue *Queue, registry *Registry) *Worker {
	defaults := DefaultWorkerConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = defaults.NumWorkers
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}
	if config.StalledInterval <= 0 {
		config.StalledInterval = defaults.StalledInterval
	}
	if registry == nil {
		registry = NewRegistry()
	}

	return &Worker{
		config:   config,
		queue:    queue,
		registry: registry,
		logger:   queue.logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches worker goroutines and the stalled-job sweeper.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("starting notification worker",
		"workers", w.config.NumWorkers,
		"batch_size", w.config.BatchSize,
		"poll_interval", w.config.PollInterval,
		"job_timeout", w.config.JobTimeout,
		"handlers", w.registry.Names(),
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}

	w.wg.Add(1)
	go w.sweep(ctx)
}

// Stop signals all goroutines and waits for in-flight jobs. Safe to call
// more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()
		w.logger.Info("notification worker stopped")
	})
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			// Drain while there is work so a backlog does not wait a tick per batch.
			for w.processBatch(ctx, workerID) == w.config.BatchSize {
				select {
				case <-ctx.Done():
					return
				case <-w.stopCh:
					return
				default:
				}
			}
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if _, err := w.queue.RecoverStalled(ctx); err != nil {
				w.logger.Error("failed to recover stalled jobs", "error", err)
			}
		}
	}
}

// processBatch claims and runs up to BatchSize jobs, returning how many were claimed.
func (w *Worker) processBatch(ctx context.Context, workerID int) int {
	jobs, err := w.queue.store.ClaimJobs(ctx, w.queue.config.Name, w.config.BatchSize, w.config.LeaseDuration)
	if err != nil {
		w.logger.Error("failed to claim jobs", "worker", workerID, "error", err)
		return 0
	}

	if len(jobs) == 0 {
		return 0
	}

	w.logger.Debug("processing jobs", "worker", workerID, "count", len(jobs))

	for _, job := range jobs {
		w.processJob(ctx, job)
	}
	return len(jobs)
}

func (w *Worker) processJob(ctx context.Context, job *Job) {
	start := time.Now()

	err := w.execute(ctx, job)
	if err != nil {
		w.handleFailure(ctx, job, err)
		return
	}

	if err := w.queue.store.CompleteJob(ctx, job.ID); err != nil {
		w.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		return
	}

	recordSuccess()
	w.refreshDepth(ctx)

	w.logger.Debug("job completed",
		"job_id", job.ID,
		"job_name", job.Name,
		"attempt", job.AttemptsMade,
		"duration", time.Since(start),
	)
}

func (w *Worker) execute(ctx context.Context, job *Job) (err error) {
	handler, ok := w.registry.Get(job.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Name)
	}

	if w.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.JobTimeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()

	return handler.Handle(ctx, job)
}

func (w *Worker) handleFailure(ctx context.Context, job *Job, err error) {
	reason := err.Error()

	if job.AttemptsMade >= job.MaxAttempts {
		if markErr := w.queue.store.FailJob(ctx, job.ID, reason); markErr != nil {
			w.logMarkError("failed to mark job failed", job, markErr)
			return
		}
		recordFailure(OutcomeTerminal)
		w.refreshDepth(ctx)

		w.logger.Error("job exhausted retries, moved to dead-letter queue",
			"job_id", job.ID,
			"job_name", job.Name,
			"attempt", job.AttemptsMade,
			"max_attempts", job.MaxAttempts,
			"error", err,
		)
		return
	}

	delay := w.backoffDelay(job)
	if markErr := w.queue.store.RetryJob(ctx, job.ID, reason, time.Now().Add(delay)); markErr != nil {
		w.logMarkError("failed to schedule job retry", job, markErr)
		return
	}
	recordFailure(OutcomeTransient)
	w.refreshDepth(ctx)

	w.logger.Warn("job failed, scheduled for retry",
		"job_id", job.ID,
		"job_name", job.Name,
		"attempt", job.AttemptsMade,
		"max_attempts", job.MaxAttempts,
		"retry_in", delay,
		"error", err,
	)
}

// backoffDelay returns BackoffDelay * 2^(AttemptsMade-1), capped by MaxBackoff.
// AttemptsMade already counts the attempt that just failed.
func (w *Worker) backoffDelay(job *Job) time.Duration {
	delay := job.BackoffDelay
	if delay <= 0 {
		delay = w.queue.config.DefaultBackoff
	}

	for i := 1; i < job.AttemptsMade; i++ {
		if (w.config.MaxBackoff > 0 && delay >= w.config.MaxBackoff) || delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}

	if w.config.MaxBackoff > 0 && delay > w.config.MaxBackoff {
		delay = w.config.MaxBackoff
	}
	return delay
}

func (w *Worker) refreshDepth(ctx context.Context) {
	if _, _, err := w.queue.RefreshDepth(ctx); err != nil {
		w.logger.Warn("failed to refresh queue depth", "error", err)
	}
}

func (w *Worker) logMarkError(msg string, job *Job, err error) {
	if errors.Is(err, ErrJobLeaseLost) {
		w.logger.Warn("job lease lost before state update", "job_id", job.ID, "job_name", job.Name)
		return
	}
	w.logger.Error(msg, "job_id", job.ID, "error", err)
}
