// Package postgres provides the PostgreSQL implementation of the
// notification job store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/xconfess/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, queue, name, payload, state, attempts_made, max_attempts, backoff_ms,
	failed_reason, run_at, locked_until, dedupe_key, created_at, processed_on, finished_on, failed_at`

// dlqPredicate selects dead-letter members: failed jobs with no attempts left.
const dlqPredicate = `state = 'failed' AND attempts_made >= max_attempts`

// StalledReason is recorded on jobs whose lease expired while active.
const StalledReason = "job lease expired"

// Repository implements notifications.JobStore using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateJob inserts a job and fills its ID and CreatedAt. A job with a dedupe
// key is inserted in the transaction that takes the key, so a failed insert
// never leaves the key held.
func (r *Repository) CreateJob(ctx context.Context, job *notifications.Job, dedupeTTL time.Duration) error {
	job.ID = uuid.NewString()

	if job.DedupeKey == nil {
		return insertJob(ctx, r.db, job)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	acquired, err := acquireDedupeKey(ctx, tx, *job.DedupeKey, dedupeTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return notifications.ErrDuplicateSuppressed
	}
	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func insertJob(ctx context.Context, q querier, job *notifications.Job) error {
	query := `
		INSERT INTO notification_jobs (id, queue, name, payload, state, attempts_made, max_attempts, backoff_ms, run_at, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`
	err := q.QueryRow(ctx, query,
		job.ID,
		job.Queue,
		job.Name,
		job.Payload,
		job.State,
		job.AttemptsMade,
		job.MaxAttempts,
		job.BackoffDelay.Milliseconds(),
		job.RunAt,
		job.DedupeKey,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// acquireDedupeKey takes key for ttl unless it is held and not yet expired.
// A concurrent holder's uncommitted row blocks until that transaction ends.
func acquireDedupeKey(ctx context.Context, q querier, key string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO notification_dedupe (key, expires_at)
		VALUES ($1, NOW() + $2::bigint * INTERVAL '1 millisecond')
		ON CONFLICT (key) DO UPDATE
		SET expires_at = EXCLUDED.expires_at
		WHERE notification_dedupe.expires_at <= NOW()
		RETURNING key
	`
	var got string
	err := q.QueryRow(ctx, query, key, ttl.Milliseconds()).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("acquire dedupe key: %w", err)
	}
	return true, nil
}

// ClaimJobs leases up to limit runnable jobs. Rows locked by another
// claimer are skipped, so concurrent workers never receive the same job.
func (r *Repository) ClaimJobs(ctx context.Context, queue string, limit int, lease time.Duration) ([]*notifications.Job, error) {
	query := `
		UPDATE notification_jobs j
		SET state = 'active',
		    attempts_made = j.attempts_made + 1,
		    locked_until = NOW() + $3::bigint * INTERVAL '1 millisecond',
		    processed_on = NOW()
		FROM (
			SELECT id
			FROM notification_jobs
			WHERE queue = $1
			  AND state IN ('waiting', 'delayed')
			  AND run_at <= NOW()
			ORDER BY run_at ASC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) claimable
		WHERE j.id = claimable.id
		RETURNING ` + prefixed("j", jobColumns)

	rows, err := r.db.Query(ctx, query, queue, limit, lease.Milliseconds())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return collectJobs(rows)
}

// CompleteJob marks an active job completed.
func (r *Repository) CompleteJob(ctx context.Context, id string) error {
	query := `
		UPDATE notification_jobs
		SET state = 'completed', finished_on = NOW(), locked_until = NULL
		WHERE id = $1 AND state = 'active'
	`
	return r.transition(ctx, "complete job", query, id)
}

// RetryJob reschedules an active job for runAt.
func (r *Repository) RetryJob(ctx context.Context, id, reason string, runAt time.Time) error {
	query := `
		UPDATE notification_jobs
		SET state = 'delayed', failed_reason = $2, run_at = $3, locked_until = NULL
		WHERE id = $1 AND state = 'active'
	`
	return r.transition(ctx, "retry job", query, id, reason, runAt)
}

// FailJob marks an active job terminally failed.
func (r *Repository) FailJob(ctx context.Context, id, reason string) error {
	query := `
		UPDATE notification_jobs
		SET state = 'failed', failed_reason = $2, failed_at = NOW(), finished_on = NOW(), locked_until = NULL
		WHERE id = $1 AND state = 'active'
	`
	return r.transition(ctx, "fail job", query, id, reason)
}

func (r *Repository) transition(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobLeaseLost
	}
	return nil
}

// RecoverStalled releases active jobs whose lease expired. Jobs with
// attempts left are delayed for immediate retry, the rest fail and join the
// dead-letter queue.
func (r *Repository) RecoverStalled(ctx context.Context, queue string) (int64, int64, error) {
	query := `
		WITH recovered AS (
			UPDATE notification_jobs
			SET state = CASE WHEN attempts_made >= max_attempts THEN 'failed' ELSE 'delayed' END,
			    failed_at = CASE WHEN attempts_made >= max_attempts THEN NOW() ELSE failed_at END,
			    finished_on = CASE WHEN attempts_made >= max_attempts THEN NOW() ELSE finished_on END,
			    failed_reason = $2,
			    run_at = NOW(),
			    locked_until = NULL
			WHERE queue = $1 AND state = 'active' AND locked_until < NOW()
			RETURNING state
		)
		SELECT COUNT(*), COUNT(*) FILTER (WHERE state = 'failed') FROM recovered
	`
	var recovered, terminal int64
	if err := r.db.QueryRow(ctx, query, queue, StalledReason).Scan(&recovered, &terminal); err != nil {
		return 0, 0, fmt.Errorf("recover stalled jobs: %w", err)
	}
	return recovered, terminal, nil
}

// ListDLQJobs returns a page of dead-letter jobs, newest failure first, and
// the total number matching the filter.
func (r *Repository) ListDLQJobs(ctx context.Context, queue string, filter notifications.DLQFilter, limit, offset int) ([]*notifications.Job, int, error) {
	where, args := dlqWhere(queue, filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM notification_jobs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead-letter jobs: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM notification_jobs
		WHERE %s
		ORDER BY failed_at DESC NULLS LAST, id
		LIMIT $%d OFFSET $%d
	`, jobColumns, where, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead-letter jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func dlqWhere(queue string, filter notifications.DLQFilter) (string, []any) {
	conds := []string{"queue = $1", dlqPredicate}
	args := []any{queue}

	if filter.FailedAfter != nil {
		args = append(args, *filter.FailedAfter)
		conds = append(conds, fmt.Sprintf("failed_at >= $%d", len(args)))
	}
	if filter.FailedBefore != nil {
		args = append(args, *filter.FailedBefore)
		conds = append(conds, fmt.Sprintf("failed_at <= $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			`(payload::text ILIKE $%d ESCAPE '\' OR COALESCE(failed_reason, '') ILIKE $%d ESCAPE '\')`, n, n))
	}

	return strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside an ILIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// GetDLQJob returns one dead-letter job.
func (r *Repository) GetDLQJob(ctx context.Context, queue, id string) (*notifications.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notifications.ErrJobNotFound
	}

	query := `SELECT ` + jobColumns + ` FROM notification_jobs WHERE queue = $1 AND id = $2 AND ` + dlqPredicate
	job, err := scanJob(r.db.QueryRow(ctx, query, queue, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrJobNotFound
		}
		return nil, fmt.Errorf("get dead-letter job: %w", err)
	}
	return job, nil
}

// ReplayDLQJob atomically returns a dead-letter job to waiting with a fresh
// attempt budget.
func (r *Repository) ReplayDLQJob(ctx context.Context, queue, id string) (*notifications.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, notifications.ErrJobNotFound
	}

	query := `
		UPDATE notification_jobs
		SET state = 'waiting',
		    attempts_made = 0,
		    failed_reason = NULL,
		    failed_at = NULL,
		    finished_on = NULL,
		    processed_on = NULL,
		    locked_until = NULL,
		    run_at = NOW()
		WHERE queue = $1 AND id = $2 AND ` + dlqPredicate + `
		RETURNING ` + jobColumns

	job, err := scanJob(r.db.QueryRow(ctx, query, queue, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrJobNotFound
		}
		return nil, fmt.Errorf("replay dead-letter job: %w", err)
	}
	return job, nil
}

// DeleteDLQJob purges a dead-letter job.
func (r *Repository) DeleteDLQJob(ctx context.Context, queue, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return notifications.ErrJobNotFound
	}

	result, err := r.db.Exec(ctx,
		`DELETE FROM notification_jobs WHERE queue = $1 AND id = $2 AND `+dlqPredicate, queue, id)
	if err != nil {
		return fmt.Errorf("delete dead-letter job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}
	return nil
}

// CountJobsByState returns job counts keyed by state. States with no jobs
// are absent.
func (r *Repository) CountJobsByState(ctx context.Context, queue string) (map[notifications.JobState]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT state, COUNT(*) FROM notification_jobs WHERE queue = $1 GROUP BY state`, queue)
	if err != nil {
		return nil, fmt.Errorf("count jobs by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[notifications.JobState]int)
	for rows.Next() {
		var state notifications.JobState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

// CountDLQJobs returns the dead-letter queue depth.
func (r *Repository) CountDLQJobs(ctx context.Context, queue string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_jobs WHERE queue = $1 AND `+dlqPredicate, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead-letter jobs: %w", err)
	}
	return n, nil
}

func collectJobs(rows pgx.Rows) ([]*notifications.Job, error) {
	defer rows.Close()

	jobs := make([]*notifications.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (*notifications.Job, error) {
	var job notifications.Job
	var backoffMS int64
	err := row.Scan(
		&job.ID,
		&job.Queue,
		&job.Name,
		&job.Payload,
		&job.State,
		&job.AttemptsMade,
		&job.MaxAttempts,
		&backoffMS,
		&job.FailedReason,
		&job.RunAt,
		&job.LockedUntil,
		&job.DedupeKey,
		&job.CreatedAt,
		&job.ProcessedOn,
		&job.FinishedOn,
		&job.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	job.BackoffDelay = time.Duration(backoffMS) * time.Millisecond
	return &job, nil
}

// prefixed qualifies each column in a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
