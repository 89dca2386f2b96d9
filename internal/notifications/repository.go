// Package notifications provides the durable notification job queue, its
// worker pool, dead-letter operations and email job handlers.
package notifications

import (
	"context"
	"time"
)

// DLQFilter narrows dead-letter listings. Search is a case-insensitive
// substring match against the serialized payload or the failure reason.
type DLQFilter struct {
	FailedAfter  *time.Time
	FailedBefore *time.Time
	Search       string
}

// JobStore defines the interface for job persistence.
type JobStore interface {
	// CreateJob persists job. When job.DedupeKey is set the key is taken for
	// dedupeTTL in the same transaction as the insert; a key that is held
	// and not expired yields ErrDuplicateSuppressed and nothing is written.
	CreateJob(ctx context.Context, job *Job, dedupeTTL time.Duration) error

	// Worker transitions. ClaimJobs increments AttemptsMade on every
	// returned job. The others return ErrJobLeaseLost when the job is no
	// longer active.
	ClaimJobs(ctx context.Context, queue string, limit int, lease time.Duration) ([]*Job, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id, reason string, runAt time.Time) error
	FailJob(ctx context.Context, id, reason string) error
	// RecoverStalled returns how many expired leases were released and how
	// many of those jobs had no attempts left and were failed.
	RecoverStalled(ctx context.Context, queue string) (recovered, terminal int64, err error)

	// Dead-letter view
	ListDLQJobs(ctx context.Context, queue string, filter DLQFilter, limit, offset int) ([]*Job, int, error)
	GetDLQJob(ctx context.Context, queue, id string) (*Job, error)
	ReplayDLQJob(ctx context.Context, queue, id string) (*Job, error)
	DeleteDLQJob(ctx context.Context, queue, id string) error

	// Depth
	CountJobsByState(ctx context.Context, queue string) (map[JobState]int, error)
	CountDLQJobs(ctx context.Context, queue string) (int, error)
}
