package notifications

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_ListDLQJobs_Paging(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, nil)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, store.seedTerminal(JobCommentNotification, map[string]string{}, "boom", base.Add(time.Duration(i)*time.Minute)))
	}

	page, err := q.ListDLQJobs(context.Background(), DLQQuery{Page: 2, Limit: 2})
	require.NoError(t, err)

	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, page.Limit)
	require.Len(t, page.Jobs, 2)
	// newest first: ids[4], ids[3] on page 1
	assert.Equal(t, ids[2], page.Jobs[0].ID)
	assert.Equal(t, ids[1], page.Jobs[1].ID)
}

func TestQueue_ListDLQJobs_LimitClamping(t *testing.T) {
	q := newTestQueue(newMemStore(), nil)

	tests := []struct {
		name      string
		page      int
		limit     int
		wantPage  int
		wantLimit int
	}{
		{name: "defaults", wantPage: 1, wantLimit: DefaultDLQPageLimit},
		{name: "over max", page: 1, limit: 1000, wantPage: 1, wantLimit: MaxDLQPageLimit},
		{name: "negative limit", page: 1, limit: -5, wantPage: 1, wantLimit: 1},
		{name: "negative page", page: -3, limit: 10, wantPage: 1, wantLimit: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := q.ListDLQJobs(context.Background(), DLQQuery{Page: tt.page, Limit: tt.limit})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, page.Page)
			assert.Equal(t, tt.wantLimit, page.Limit)
			assert.NotNil(t, page.Jobs)
		})
	}
}

func TestQueue_ListDLQJobs_PageOutOfRange(t *testing.T) {
	store := newMemStore()
	store.seedTerminal(JobCommentNotification, map[string]string{}, "boom", time.Now())
	q := newTestQueue(store, nil)

	page, err := q.ListDLQJobs(context.Background(), DLQQuery{Page: MaxDLQPage, Limit: MaxDLQPageLimit})
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
	assert.Equal(t, 1, page.Total)

	for _, p := range []int{MaxDLQPage + 1, math.MaxInt} {
		_, err := q.ListDLQJobs(context.Background(), DLQQuery{Page: p, Limit: MaxDLQPageLimit})
		assert.ErrorIs(t, err, ErrPageOutOfRange)
	}
}

func TestQueue_ListDLQJobs_Search(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, nil)
	now := time.Now()

	byReason := store.seedTerminal(JobCommentNotification, map[string]string{}, "SMTP Timeout after 30s", now)
	byPayload := store.seedTerminal(JobMessageNotification, map[string]string{"content": "request timeout again"}, "550 rejected", now.Add(-time.Minute))
	store.seedTerminal(JobReplyNotification, map[string]string{"content": "hello"}, "connection refused", now.Add(-2*time.Minute))

	page, err := q.ListDLQJobs(context.Background(), DLQQuery{Search: "  TIMEOUT "})
	require.NoError(t, err)

	require.Len(t, page.Jobs, 2)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, byReason, page.Jobs[0].ID)
	assert.Equal(t, byPayload, page.Jobs[1].ID)
}

func TestQueue_ListDLQJobs_TimeRange(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, nil)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	store.seedTerminal(JobCommentNotification, map[string]string{}, "a", base)
	inRange := store.seedTerminal(JobCommentNotification, map[string]string{}, "b", base.Add(2*time.Hour))
	store.seedTerminal(JobCommentNotification, map[string]string{}, "c", base.Add(5*time.Hour))

	after := base.Add(time.Hour)
	before := base.Add(3 * time.Hour)

	page, err := q.ListDLQJobs(context.Background(), DLQQuery{FailedAfter: &after, FailedBefore: &before})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, inRange, page.Jobs[0].ID)

	_, err = q.ListDLQJobs(context.Background(), DLQQuery{FailedAfter: &before, FailedBefore: &after})
	assert.ErrorIs(t, err, ErrInvalidTimeRange)
}

func TestQueue_ListDLQJobs_ExcludesRetryableFailures(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, nil)

	id := store.seedTerminal(JobCommentNotification, map[string]string{}, "boom", time.Now())
	store.mu.Lock()
	store.jobs[id].AttemptsMade = 1
	store.mu.Unlock()

	page, err := q.ListDLQJobs(context.Background(), DLQQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
}

func TestDLQJobView_MasksRecipient(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, nil)

	id := store.seedTerminal(JobCommentNotification, CommentPayload{
		Envelope:       Envelope{RecipientEmail: "jo.doe@example.com"},
		CommentContent: "secret words",
	}, "boom", time.Now())

	view, err := q.GetDLQJob(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, "jo***@example.com", view.RecipientEmail)
	assert.Equal(t, "email_comment_notification", view.Channel)
	assert.Equal(t, JobCommentNotification, view.Name)

	_, err = q.GetDLQJob(context.Background(), "job-404")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestDLQJobView_ExplicitChannel(t *testing.T) {
	view := newDLQJobView(&Job{
		Name:    JobReportNotification,
		Payload: []byte(`{"channel":"email_moderation"}`),
	})
	assert.Equal(t, "email_moderation", view.Channel)
	assert.Empty(t, view.RecipientEmail)
}

func TestQueue_ReplayDLQJob(t *testing.T) {
	store := newMemStore()
	audit := &recordingAudit{}
	q := newTestQueue(store, audit)
	fixed := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	id := store.seedTerminal(JobCommentNotification, map[string]string{}, "boom", time.Now())
	replaysBefore := testutil.ToFloat64(dlqReplays.WithLabelValues(ReplayModeSingle))

	result, err := q.ReplayDLQJob(context.Background(), id, "admin-1", " ")
	require.NoError(t, err)
	assert.Equal(t, id, result.ID)
	assert.Equal(t, ReplayStatusReplayed, result.Status)

	got := store.job(id)
	assert.Equal(t, JobStateWaiting, got.State)
	assert.Zero(t, got.AttemptsMade)
	assert.Nil(t, got.FailedReason)
	assert.Nil(t, got.FailedAt)

	entries := audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].ActorID)
	assert.Equal(t, AuditActionDLQReplay, entries[0].Action)
	assert.Equal(t, AuditEntityType, entries[0].EntityType)
	assert.Equal(t, map[string]any{
		"replayType": "single",
		"queue":      "notifications",
		"jobId":      id,
		"reason":     nil,
		"replayedAt": "2026-03-02T09:30:00Z",
	}, entries[0].Metadata)

	assert.Equal(t, replaysBefore+1, testutil.ToFloat64(dlqReplays.WithLabelValues(ReplayModeSingle)))

	// a replayed job is no longer terminal
	_, err = q.ReplayDLQJob(context.Background(), id, "admin-1", "")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Len(t, audit.all(), 1)
}

func TestQueue_ReplayDLQJobsBulk(t *testing.T) {
	store := newMemStore()
	audit := &recordingAudit{}
	q := newTestQueue(store, audit)
	now := time.Now()

	ok1 := store.seedTerminal(JobCommentNotification, map[string]string{}, "timeout", now)
	broken := store.seedTerminal(JobCommentNotification, map[string]string{}, "timeout", now.Add(-time.Minute))
	ok2 := store.seedTerminal(JobCommentNotification, map[string]string{}, "timeout", now.Add(-2*time.Minute))
	untouched := store.seedTerminal(JobCommentNotification, map[string]string{}, "bounced", now.Add(-3*time.Minute))
	store.replayErr[broken] = errors.New("deadlock detected")

	bulkBefore := testutil.ToFloat64(dlqReplays.WithLabelValues(ReplayModeBulk))

	result, err := q.ReplayDLQJobsBulk(context.Background(), "admin-1", BulkReplayOptions{Search: "timeout", Reason: "provider recovered"})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Attempted)
	assert.Equal(t, 2, result.Replayed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, []BulkReplayDetail{
		{ID: ok1, Status: ReplayStatusReplayed},
		{ID: broken, Status: ReplayStatusFailed, Reason: "deadlock detected"},
		{ID: ok2, Status: ReplayStatusReplayed},
	}, result.Details)

	assert.Equal(t, JobStateWaiting, store.job(ok1).State)
	assert.Equal(t, JobStateFailed, store.job(broken).State)
	assert.Equal(t, JobStateFailed, store.job(untouched).State)

	entries := audit.all()
	require.Len(t, entries, 1)
	md := entries[0].Metadata
	assert.Equal(t, "bulk", md["replayType"])
	assert.Equal(t, "provider recovered", md["reason"])
	assert.Equal(t, map[string]any{"attempted": 3, "replayed": 2, "failed": 1}, md["summary"])
	filters, ok := md["filters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, DefaultBulkReplayLimit, filters["limit"])
	assert.Equal(t, "timeout", filters["search"])

	assert.Equal(t, bulkBefore+2, testutil.ToFloat64(dlqReplays.WithLabelValues(ReplayModeBulk)))
}

func TestQueue_ReplayDLQJobsBulk_Limit(t *testing.T) {
	store := newMemStore()
	q := newTestQueue(store, nil)
	for i := 0; i < 5; i++ {
		store.seedTerminal(JobCommentNotification, map[string]string{}, "boom", time.Now().Add(-time.Duration(i)*time.Second))
	}

	result, err := q.ReplayDLQJobsBulk(context.Background(), "admin-1", BulkReplayOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Replayed)

	dlq, err := store.CountDLQJobs(context.Background(), "notifications")
	require.NoError(t, err)
	assert.Equal(t, 3, dlq)
}

func TestQueue_ReplayDLQJobsBulk_Empty(t *testing.T) {
	audit := &recordingAudit{}
	q := newTestQueue(newMemStore(), audit)

	result, err := q.ReplayDLQJobsBulk(context.Background(), "admin-1", BulkReplayOptions{})
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)
	assert.NotNil(t, result.Details)
	assert.Len(t, audit.all(), 1)
}

func TestQueue_DeleteDLQJob(t *testing.T) {
	store := newMemStore()
	audit := &recordingAudit{}
	q := newTestQueue(store, audit)

	id := store.seedTerminal(JobCommentNotification, map[string]string{}, "boom", time.Now())

	require.NoError(t, q.DeleteDLQJob(context.Background(), id, "admin-1", "spam account"))

	_, err := q.GetDLQJob(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobNotFound)

	entries := audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, AuditActionDLQCleanup, entries[0].Action)
	assert.Equal(t, "spam account", entries[0].Metadata["reason"])

	assert.ErrorIs(t, q.DeleteDLQJob(context.Background(), id, "admin-1", ""), ErrJobNotFound)
	assert.Len(t, audit.all(), 1)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 20, clampLimit(0, 20, 100))
	assert.Equal(t, 1, clampLimit(-1, 20, 100))
	assert.Equal(t, 100, clampLimit(101, 20, 100))
	assert.Equal(t, 42, clampLimit(42, 20, 100))
	assert.Equal(t, 200, clampLimit(500, 20, 200))
}
