//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/xconfess/internal/domain"
	"github.com/bissquit/xconfess/internal/notifications"
	notificationspostgres "github.com/bissquit/xconfess/internal/notifications/postgres"
	"github.com/bissquit/xconfess/internal/outbox"
	outboxpostgres "github.com/bissquit/xconfess/internal/outbox/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storeQueue = "store-test"

func createJobs(t *testing.T, repo *notificationspostgres.Repository, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job := &notifications.Job{
			Queue:        storeQueue,
			Name:         notifications.JobCommentNotification,
			Payload:      json.RawMessage(`{}`),
			State:        notifications.JobStateWaiting,
			MaxAttempts:  3,
			BackoffDelay: time.Second,
			RunAt:        time.Now().Add(-time.Second),
		}
		require.NoError(t, repo.CreateJob(context.Background(), job, 0))
		ids = append(ids, job.ID)
	}
	return ids
}

func TestJobStore_ConcurrentClaimsNeverOverlap(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)
	createJobs(t, repo, 40)

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := repo.ClaimJobs(context.Background(), storeQueue, 3, time.Minute)
				if err != nil || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					claimed[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 40)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed more than once", id)
	}
}

func TestJobStore_ClaimSetsLeaseAndAttempt(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)
	createJobs(t, repo, 1)

	jobs, err := repo.ClaimJobs(context.Background(), storeQueue, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	job := jobs[0]
	assert.Equal(t, notifications.JobStateActive, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, time.Second, job.BackoffDelay)
	require.NotNil(t, job.LockedUntil)
	assert.WithinDuration(t, time.Now().Add(time.Minute), *job.LockedUntil, 10*time.Second)

	again, err := repo.ClaimJobs(context.Background(), storeQueue, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestJobStore_TransitionsRequireActiveLease(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)
	ids := createJobs(t, repo, 1)
	ctx := context.Background()

	assert.ErrorIs(t, repo.CompleteJob(ctx, ids[0]), notifications.ErrJobLeaseLost)

	_, err := repo.ClaimJobs(ctx, storeQueue, 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, repo.RetryJob(ctx, ids[0], "temporary", time.Now().Add(time.Hour)))

	assert.ErrorIs(t, repo.FailJob(ctx, ids[0], "late"), notifications.ErrJobLeaseLost)
	row := loadJob(t, ids[0])
	assert.Equal(t, notifications.JobStateDelayed, row.State)
	require.NotNil(t, row.FailedReason)
	assert.Equal(t, "temporary", *row.FailedReason)

	jobs, err := repo.ClaimJobs(ctx, storeQueue, 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, jobs, "delayed job is not claimable before run_at")
}

func TestJobStore_RecoverStalled(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)
	ids := createJobs(t, repo, 2)
	ctx := context.Background()

	_, err := repo.ClaimJobs(ctx, storeQueue, 2, time.Minute)
	require.NoError(t, err)
	_, err = testDB.Exec(ctx, `UPDATE notification_jobs SET locked_until = NOW() - INTERVAL '1 second'`)
	require.NoError(t, err)
	_, err = testDB.Exec(ctx, `UPDATE notification_jobs SET attempts_made = max_attempts WHERE id = $1`, ids[1])
	require.NoError(t, err)

	n, terminal, err := repo.RecoverStalled(ctx, storeQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, int64(1), terminal)

	assert.Equal(t, notifications.JobStateDelayed, loadJob(t, ids[0]).State)

	exhausted := loadJob(t, ids[1])
	assert.Equal(t, notifications.JobStateFailed, exhausted.State)
	require.NotNil(t, exhausted.FailedReason)
	assert.Equal(t, notificationspostgres.StalledReason, *exhausted.FailedReason)

	job, err := repo.GetDLQJob(ctx, storeQueue, ids[1])
	require.NoError(t, err)
	assert.NotNil(t, job.FailedAt)
}

func dedupedJob(key string) *notifications.Job {
	return &notifications.Job{
		Queue:        storeQueue,
		Name:         notifications.JobCommentNotification,
		Payload:      json.RawMessage(`{}`),
		State:        notifications.JobStateWaiting,
		MaxAttempts:  3,
		BackoffDelay: time.Second,
		RunAt:        time.Now(),
		DedupeKey:    &key,
	}
}

func dedupeKeyHeld(t *testing.T, key string) bool {
	t.Helper()
	var held bool
	err := testDB.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM notification_dedupe WHERE key = $1)`, key).Scan(&held)
	require.NoError(t, err)
	return held
}

func TestJobStore_DedupeKeys(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)
	ctx := context.Background()

	require.NoError(t, repo.CreateJob(ctx, dedupedJob("k1"), time.Millisecond))
	assert.True(t, dedupeKeyHeld(t, "k1"))

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, repo.CreateJob(ctx, dedupedJob("k1"), time.Hour), "expired key")

	err := repo.CreateJob(ctx, dedupedJob("k1"), time.Hour)
	assert.ErrorIs(t, err, notifications.ErrDuplicateSuppressed, "held key")

	var jobs int
	require.NoError(t, testDB.QueryRow(ctx, `SELECT COUNT(*) FROM notification_jobs WHERE dedupe_key = 'k1'`).Scan(&jobs))
	assert.Equal(t, 2, jobs)
}

func TestJobStore_FailedInsertDoesNotHoldDedupeKey(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)
	ctx := context.Background()

	bad := dedupedJob("k2")
	bad.State = "bogus"
	err := repo.CreateJob(ctx, bad, time.Hour)
	require.Error(t, err)
	assert.NotErrorIs(t, err, notifications.ErrDuplicateSuppressed)
	assert.False(t, dedupeKeyHeld(t, "k2"))

	good := dedupedJob("k2")
	require.NoError(t, repo.CreateJob(ctx, good, time.Hour))
	assert.Equal(t, notifications.JobStateWaiting, loadJob(t, good.ID).State)
}

func TestJobStore_ConcurrentDedupedCreatesInsertOnce(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		created    int
		suppressed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.CreateJob(context.Background(), dedupedJob("k3"), time.Hour)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, notifications.ErrDuplicateSuppressed):
				suppressed++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, suppressed)
}

func TestJobStore_CountsAndDLQ(t *testing.T) {
	resetTables(t)
	repo := notificationspostgres.NewRepository(testDB)
	createJobs(t, repo, 3)
	seedDLQJob(t, storeQueue, notifications.JobReplyNotification, map[string]string{}, "boom", time.Now())

	counts, err := repo.CountJobsByState(context.Background(), storeQueue)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[notifications.JobStateWaiting])
	assert.Equal(t, 1, counts[notifications.JobStateFailed])

	dlq, err := repo.CountDLQJobs(context.Background(), storeQueue)
	require.NoError(t, err)
	assert.Equal(t, 1, dlq)
}

func TestOutboxStore_WriterIsIdempotent(t *testing.T) {
	resetTables(t)
	writer := outboxpostgres.NewWriter()
	ctx := context.Background()

	first, inserted, err := writer.Add(ctx, testDB, outbox.NewEvent{
		Type:           domain.OutboxTypeReplyNotification,
		Payload:        map[string]string{"commentId": "c1"},
		IdempotencyKey: "reply:c1",
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, domain.OutboxStatusPending, first.Status)

	second, inserted, err := writer.Add(ctx, testDB, outbox.NewEvent{
		Type:           domain.OutboxTypeReplyNotification,
		Payload:        map[string]string{"commentId": "c2"},
		IdempotencyKey: "reply:c1",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"commentId":"c1"}`, string(second.Payload))

	// Events without a key never collide.
	for i := 0; i < 2; i++ {
		_, inserted, err := writer.Add(ctx, testDB, outbox.NewEvent{Type: domain.OutboxTypeReplyNotification, Payload: map[string]string{}})
		require.NoError(t, err)
		assert.True(t, inserted)
	}
}

func TestOutboxStore_WriterJoinsTransaction(t *testing.T) {
	resetTables(t)
	ctx := context.Background()

	tx, err := testDB.Begin(ctx)
	require.NoError(t, err)
	ev, _, err := outboxpostgres.NewWriter().Add(ctx, tx, outbox.NewEvent{
		Type:    domain.OutboxTypeCommentNotification,
		Payload: map[string]string{},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	_, err = outboxpostgres.NewRepository(testDB).GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, outbox.ErrEventNotFound)
}

func TestOutboxStore_FetchDispatchable(t *testing.T) {
	resetTables(t)
	repo := outboxpostgres.NewRepository(testDB)
	writer := outboxpostgres.NewWriter()
	ctx := context.Background()

	add := func() string {
		ev, _, err := writer.Add(ctx, testDB, outbox.NewEvent{Type: domain.OutboxTypeCommentNotification, Payload: map[string]string{}})
		require.NoError(t, err)
		return ev.ID
	}
	pending := add()
	retryable := add()
	exhausted := add()
	done := add()

	// Spread creation times so ordering is deterministic.
	for i, id := range []string{pending, retryable, exhausted, done} {
		_, err := testDB.Exec(ctx, `UPDATE outbox_events SET created_at = NOW() - $2::int * INTERVAL '1 minute' WHERE id = $1`, id, 10-i)
		require.NoError(t, err)
	}
	_, err := testDB.Exec(ctx, `UPDATE outbox_events SET status = 'FAILED', retry_count = 4 WHERE id = $1`, retryable)
	require.NoError(t, err)
	_, err = testDB.Exec(ctx, `UPDATE outbox_events SET status = 'FAILED', retry_count = 5 WHERE id = $1`, exhausted)
	require.NoError(t, err)
	require.NoError(t, repo.MarkCompleted(ctx, done, time.Now()))

	events, err := repo.FetchDispatchable(ctx, 50, 5)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, pending, events[0].ID)
	assert.Equal(t, retryable, events[1].ID)

	require.NoError(t, repo.MarkProcessing(ctx, pending, 5))
	assert.ErrorIs(t, repo.MarkProcessing(ctx, pending, 5), outbox.ErrEventNotFound)

	assert.ErrorIs(t, repo.MarkProcessing(ctx, exhausted, 5), outbox.ErrEventNotFound)
	got, err := repo.GetEvent(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusFailed, got.Status)
	assert.Equal(t, 5, got.RetryCount)

	require.NoError(t, repo.MarkProcessing(ctx, retryable, 5))
}

func TestOutboxStore_ReconcilerResetsStuckEvents(t *testing.T) {
	resetTables(t)
	repo := outboxpostgres.NewRepository(testDB)
	ctx := context.Background()

	ev, _, err := outboxpostgres.NewWriter().Add(ctx, testDB, outbox.NewEvent{
		Type:    domain.OutboxTypeMessageNotification,
		Payload: map[string]string{},
	})
	require.NoError(t, err)
	require.NoError(t, repo.MarkProcessing(ctx, ev.ID, 5))
	_, err = testDB.Exec(ctx, `UPDATE outbox_events SET updated_at = NOW() - INTERVAL '10 minutes' WHERE id = $1`, ev.ID)
	require.NoError(t, err)

	reconciler := outbox.NewReconciler(repo, 5*time.Minute, time.Minute, nil)
	n, err := reconciler.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, outbox.StuckReason, *got.LastError)
}
