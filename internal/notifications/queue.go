package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// JobState represents the lifecycle state of a job.
type JobState string

// Job states.
const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// JobStates lists every state in lifecycle order.
var JobStates = []JobState{
	JobStateWaiting,
	JobStateActive,
	JobStateDelayed,
	JobStateCompleted,
	JobStateFailed,
}

// Job is a unit of work in the notification queue.
type Job struct {
	ID           string
	Queue        string
	Name         string
	Payload      json.RawMessage
	State        JobState
	AttemptsMade int
	MaxAttempts  int
	BackoffDelay time.Duration
	FailedReason *string
	RunAt        time.Time
	LockedUntil  *time.Time
	DedupeKey    *string
	CreatedAt    time.Time
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedAt     *time.Time
}

// IsTerminal reports whether the job is a dead-letter entry.
func (j *Job) IsTerminal() bool {
	return j.State == JobStateFailed && j.AttemptsMade >= j.MaxAttempts
}

// JobOptions controls how a job is enqueued. Zero values fall back to the
// queue defaults.
type JobOptions struct {
	Attempts  int
	Backoff   time.Duration
	Delay     time.Duration
	DedupeKey string
	DedupeTTL time.Duration
}

// QueueConfig contains queue configuration.
type QueueConfig struct {
	Name             string
	DefaultAttempts  int
	DefaultBackoff   time.Duration
	DefaultDedupeTTL time.Duration
}

// DefaultQueueConfig returns default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Name:             "notifications",
		DefaultAttempts:  3,
		DefaultBackoff:   1 * time.Second,
		DefaultDedupeTTL: 60 * time.Second,
	}
}

// Queue is a durable job queue backed by a JobStore. Failed jobs that have
// exhausted their attempts form the dead-letter queue.
type Queue struct {
	config QueueConfig
	store  JobStore
	audit  AuditLogger
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	worker *Worker
}

// NewQueue creates a new queue. A nil audit logger discards audit entries.
func NewQueue(config QueueConfig, store JobStore, audit AuditLogger, logger *slog.Logger) *Queue {
	defaults := DefaultQueueConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.DefaultAttempts <= 0 {
		config.DefaultAttempts = defaults.DefaultAttempts
	}
	if config.DefaultBackoff <= 0 {
		config.DefaultBackoff = defaults.DefaultBackoff
	}
	if config.DefaultDedupeTTL <= 0 {
		config.DefaultDedupeTTL = defaults.DefaultDedupeTTL
	}
	if audit == nil {
		audit = nopAuditLogger{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		config: config,
		store:  store,
		audit:  audit,
		logger: logger.With("queue", config.Name),
		now:    time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.config.Name
}

// Enqueue durably stores a job and returns without waiting for it to run.
// Payload is marshaled to JSON; json.RawMessage is stored as is.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any, opts JobOptions) (*Job, error) {
	if name == "" {
		return nil, ErrEmptyJobName
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	opts = q.withDefaults(opts)

	now := q.now()
	job := &Job{
		Queue:        q.config.Name,
		Name:         name,
		Payload:      data,
		State:        JobStateWaiting,
		MaxAttempts:  opts.Attempts,
		BackoffDelay: opts.Backoff,
		RunAt:        now,
	}
	if opts.Delay > 0 {
		job.State = JobStateDelayed
		job.RunAt = now.Add(opts.Delay)
	}
	if opts.DedupeKey != "" {
		key := opts.DedupeKey
		job.DedupeKey = &key
	}

	if err := q.store.CreateJob(ctx, job, opts.DedupeTTL); err != nil {
		if errors.Is(err, ErrDuplicateSuppressed) {
			recordDedupeSuppressed(q.config.Name)
			q.logger.Warn("duplicate notification suppressed",
				"job_name", name,
				"dedupe_key", opts.DedupeKey,
			)
			return nil, ErrDuplicateSuppressed
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	recordEnqueued()
	q.logger.Debug("job enqueued",
		"job_id", job.ID,
		"job_name", job.Name,
		"max_attempts", job.MaxAttempts,
	)

	return job, nil
}

// RefreshDepth recounts jobs and publishes the depth gauges.
func (q *Queue) RefreshDepth(ctx context.Context) (map[JobState]int, int, error) {
	counts, err := q.store.CountJobsByState(ctx, q.config.Name)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	dlq, err := q.store.CountDLQJobs(ctx, q.config.Name)
	if err != nil {
		return nil, 0, fmt.Errorf("count dead-letter jobs: %w", err)
	}

	if counts == nil {
		counts = make(map[JobState]int, len(JobStates))
	}
	for _, state := range JobStates {
		if _, ok := counts[state]; !ok {
			counts[state] = 0
		}
	}

	recordDepth(queueDepthOf(counts), dlq)
	return counts, dlq, nil
}

// RecoverStalled returns jobs whose lease expired to the retry path.
func (q *Queue) RecoverStalled(ctx context.Context) (int64, error) {
	n, terminal, err := q.store.RecoverStalled(ctx, q.config.Name)
	if err != nil {
		return 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	for i := int64(0); i < terminal; i++ {
		recordFailure(OutcomeTerminal)
	}
	if n > 0 {
		q.logger.Warn("recovered stalled jobs", "count", n, "dead_lettered", terminal)
	}
	return n, nil
}

// NewWorker creates the worker that executes this queue's jobs. Close stops it.
func (q *Queue) NewWorker(config WorkerConfig, registry *Registry) *Worker {
	w := newWorker(config, q, registry)

	q.mu.Lock()
	q.worker = w
	q.mu.Unlock()

	return w
}

// Close stops the worker, if any, waiting for in-flight jobs.
func (q *Queue) Close() {
	q.mu.Lock()
	w := q.worker
	q.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

func (q *Queue) withDefaults(opts JobOptions) JobOptions {
	if opts.Attempts <= 0 {
		opts.Attempts = q.config.DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = q.config.DefaultBackoff
	}
	if opts.DedupeKey != "" && opts.DedupeTTL <= 0 {
		opts.DedupeTTL = q.config.DefaultDedupeTTL
	}
	return opts
}

func queueDepthOf(counts map[JobState]int) int {
	return counts[JobStateWaiting] + counts[JobStateActive] + counts[JobStateDelayed]
}
