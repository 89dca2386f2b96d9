//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bissquit/xconfess/internal/domain"
	"github.com/bissquit/xconfess/internal/notifications"
	"github.com/bissquit/xconfess/internal/pkg/pii"
	"github.com/bissquit/xconfess/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *testutil.Client {
	t.Helper()
	return testutil.NewClient(t, testServer.URL, testValidator)
}

func tokenFor(t *testing.T, role domain.Role) string {
	t.Helper()
	token, err := tokens.IssueToken(uuid.NewString(), role, time.Hour)
	require.NoError(t, err)
	return token
}

func adminClient(t *testing.T) *testutil.Client {
	t.Helper()
	return newClient(t).WithToken(tokenFor(t, domain.RoleAdmin))
}

// resetTables empties every table the pipeline writes to.
func resetTables(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`TRUNCATE notification_jobs, notification_dedupe, outbox_events, audit_logs, users`)
	require.NoError(t, err)
}

// seedDLQJob inserts a terminal job that has used all of its attempts.
func seedDLQJob(t *testing.T, queue, name string, payload any, reason string, failedAt time.Time) string {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	id := uuid.NewString()
	_, err = testDB.Exec(context.Background(), `
		INSERT INTO notification_jobs
			(id, queue, name, payload, state, attempts_made, max_attempts, backoff_ms, failed_reason, run_at, failed_at, finished_on)
		VALUES ($1, $2, $3, $4, 'failed', 3, 3, 1000, $5, $6, $6, $6)
	`, id, queue, name, raw, reason, failedAt)
	require.NoError(t, err)
	return id
}

// seedUser stores a user whose email is encrypted with the test cipher.
func seedUser(t *testing.T, email string) string {
	t.Helper()

	sealed, err := testCipher.Encrypt(email)
	require.NoError(t, err)

	id := uuid.NewString()
	_, err = testDB.Exec(context.Background(), `
		INSERT INTO users (id, email_encrypted, email_iv, email_tag, email_hash)
		VALUES ($1, $2, $3, $4, $5)
	`, id, sealed.Ciphertext, sealed.IV, sealed.Tag, pii.Hash(email))
	require.NoError(t, err)
	return id
}

type jobRow struct {
	State        notifications.JobState
	AttemptsMade int
	MaxAttempts  int
	FailedReason *string
}

func loadJob(t *testing.T, id string) jobRow {
	t.Helper()
	var row jobRow
	err := testDB.QueryRow(context.Background(),
		`SELECT state, attempts_made, max_attempts, failed_reason FROM notification_jobs WHERE id = $1`, id,
	).Scan(&row.State, &row.AttemptsMade, &row.MaxAttempts, &row.FailedReason)
	require.NoError(t, err)
	return row
}

type auditRow struct {
	ActorID  *string
	Action   string
	EntityID string
	Metadata map[string]any
}

func loadAudit(t *testing.T, action notifications.AuditAction) []auditRow {
	t.Helper()
	rows, err := testDB.Query(context.Background(),
		`SELECT actor_id, action, entity_id, metadata FROM audit_logs WHERE action = $1 ORDER BY created_at`, string(action))
	require.NoError(t, err)
	defer rows.Close()

	var result []auditRow
	for rows.Next() {
		var r auditRow
		require.NoError(t, rows.Scan(&r.ActorID, &r.Action, &r.EntityID, &r.Metadata))
		result = append(result, r)
	}
	require.NoError(t, rows.Err())
	return result
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, timeout, 50*time.Millisecond, msg)
}
