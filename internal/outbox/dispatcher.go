package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/xconfess/internal/domain"
	"github.com/bissquit/xconfess/internal/notifications"
)

// Routes maps outbox event types to notification job names. Types missing
// from this table are completed without dispatch.
var Routes = map[string]string{
	domain.OutboxTypeCommentNotification:  notifications.JobCommentNotification,
	domain.OutboxTypeMessageNotification:  notifications.JobMessageNotification,
	domain.OutboxTypeReplyNotification:    notifications.JobReplyNotification,
	domain.OutboxTypeReactionNotification: notifications.JobReactionNotification,
	domain.OutboxTypeReactionUpdate:       notifications.JobReactionNotification,
	domain.OutboxTypeReportNotification:   notifications.JobReportNotification,
}

// DedupeKey is the queue dedupe key used for an outbox event.
func DedupeKey(eventID string) string {
	return "outbox:" + eventID
}

// Enqueuer accepts jobs for asynchronous execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts notifications.JobOptions) (*notifications.Job, error)
}

// Config contains dispatcher configuration.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	// DedupeTTL bounds how long a re-dispatched event is recognized as a
	// duplicate by the queue.
	DedupeTTL time.Duration
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval: 10 * time.Second,
		BatchSize:    50,
		MaxRetries:   5,
		DedupeTTL:    24 * time.Hour,
	}
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Fetched   int
	Completed int
	Failed    int
	Skipped   int
}

// Dispatcher moves outbox events into the notification queue. Only one
// dispatcher should run per database; cycles never overlap within one
// instance.
type Dispatcher struct {
	config Config
	store  Store
	queue  Enqueuer
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config Config, store Store, queue Enqueuer, logger *slog.Logger) *Dispatcher {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.DedupeTTL <= 0 {
		config.DedupeTTL = defaults.DedupeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		config: config,
		store:  store,
		queue:  queue,
		logger: logger.With("component", "outbox_dispatcher"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start runs poll cycles on the configured interval until Stop is called or
// ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting outbox dispatcher",
		"poll_interval", d.config.PollInterval,
		"batch_size", d.config.BatchSize,
		"max_retries", d.config.MaxRetries,
	)

	d.wg.Add(1)
	go d.run(ctx)
}

// Stop signals the loop and waits for the in-flight cycle. Safe to call
// more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.wg.Wait()
		d.logger.Info("outbox dispatcher stopped")
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.RunPollCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
				d.logger.Error("outbox poll cycle failed", "error", err)
			}
		}
	}
}

// RunPollCycle dispatches one batch of eligible events. It returns
// ErrCycleInProgress without doing anything if another cycle is running.
// A failing event never stops the rest of the batch.
func (d *Dispatcher) RunPollCycle(ctx context.Context) (CycleResult, error) {
	if !d.running.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInProgress
	}
	defer d.running.Store(false)

	events, err := d.store.FetchDispatchable(ctx, d.config.BatchSize, d.config.MaxRetries)
	if err != nil {
		return CycleResult{}, fmt.Errorf("fetch outbox events: %w", err)
	}

	result := CycleResult{Fetched: len(events)}
	for _, ev := range events {
		status := d.dispatch(ctx, ev)
		dispatched.WithLabelValues(status).Inc()

		switch status {
		case StatusCompleted:
			result.Completed++
		case StatusFailed:
			result.Failed++
		case StatusSkipped:
			result.Skipped++
		}
	}

	if result.Fetched > 0 {
		d.logger.Info("outbox poll cycle finished",
			"fetched", result.Fetched,
			"completed", result.Completed,
			"failed", result.Failed,
			"skipped", result.Skipped,
		)
	}

	return result, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *domain.OutboxEvent) string {
	logger := d.logger.With("event_id", ev.ID, "event_type", ev.Type)

	// A claim that did not happen leaves the row as it was; the next cycle
	// picks it up again if it is still eligible.
	if err := d.store.MarkProcessing(ctx, ev.ID, d.config.MaxRetries); err != nil {
		if errors.Is(err, ErrEventNotFound) {
			logger.Warn("outbox event no longer dispatchable")
		} else {
			logger.Error("failed to claim outbox event", "error", err)
		}
		return StatusSkipped
	}

	jobName, ok := Routes[ev.Type]
	if !ok {
		logger.Warn("no route for outbox event type, completing without dispatch")
		if err := d.store.MarkCompleted(ctx, ev.ID, d.now()); err != nil {
			return d.fail(ctx, logger, ev, fmt.Errorf("mark completed: %w", err))
		}
		return StatusSkipped
	}

	job, err := d.queue.Enqueue(ctx, jobName, ev.Payload, notifications.JobOptions{
		DedupeKey: DedupeKey(ev.ID),
		DedupeTTL: d.config.DedupeTTL,
	})
	switch {
	case errors.Is(err, notifications.ErrDuplicateSuppressed):
		logger.Info("outbox event already enqueued")
	case err != nil:
		return d.fail(ctx, logger, ev, fmt.Errorf("enqueue %s: %w", jobName, err))
	default:
		logger.Debug("outbox event enqueued", "job_id", job.ID, "job_name", jobName)
	}

	if err := d.store.MarkCompleted(ctx, ev.ID, d.now()); err != nil {
		return d.fail(ctx, logger, ev, fmt.Errorf("mark completed: %w", err))
	}
	return StatusCompleted
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, ev *domain.OutboxEvent, cause error) string {
	logger.Error("outbox event dispatch failed",
		"retry_count", ev.RetryCount+1,
		"error", cause,
	)
	if err := d.store.MarkFailed(ctx, ev.ID, cause.Error()); err != nil {
		logger.Error("failed to mark outbox event as failed", "error", err)
	}
	return StatusFailed
}
