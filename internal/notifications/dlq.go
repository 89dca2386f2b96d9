package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/xconfess/internal/pkg/pii"
)

// Paging limits.
const (
	DefaultDLQPageLimit    = 20
	MaxDLQPageLimit        = 100
	MaxDLQPage             = 10000
	DefaultBulkReplayLimit = 20
	MaxBulkReplayLimit     = 200
)

// Replay outcomes.
const (
	ReplayStatusReplayed = "replayed"
	ReplayStatusFailed   = "failed"
)

const (
	replayTypeSingle = "single"
	replayTypeBulk   = "bulk"
)

// DLQQuery selects a page of dead-letter jobs. Page is 1-based.
type DLQQuery struct {
	Page         int
	Limit        int
	FailedAfter  *time.Time
	FailedBefore *time.Time
	Search       string
}

// DLQJobView is the operator-facing view of a dead-letter job. The
// recipient address, when the payload carries one, is masked.
type DLQJobView struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	AttemptsMade   int        `json:"attemptsMade"`
	MaxAttempts    int        `json:"maxAttempts"`
	FailedReason   *string    `json:"failedReason"`
	FailedAt       *time.Time `json:"failedAt"`
	CreatedAt      time.Time  `json:"createdAt"`
	Channel        string     `json:"channel"`
	RecipientEmail string     `json:"recipientEmail,omitempty"`
}

// DLQPage is one page of dead-letter jobs.
type DLQPage struct {
	Jobs  []DLQJobView `json:"jobs"`
	Total int          `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// ReplayResult is returned by a single replay.
type ReplayResult struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// BulkReplayOptions selects dead-letter jobs for replay.
type BulkReplayOptions struct {
	Limit        int
	FailedAfter  *time.Time
	FailedBefore *time.Time
	Search       string
	Reason       string
}

// BulkReplayDetail is the per-job outcome of a bulk replay.
type BulkReplayDetail struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// BulkReplayResult summarizes a bulk replay.
type BulkReplayResult struct {
	Attempted int                `json:"attempted"`
	Replayed  int                `json:"replayed"`
	Failed    int                `json:"failed"`
	Details   []BulkReplayDetail `json:"details"`
}

// ListDLQJobs returns terminal jobs ordered by failure time, newest first.
func (q *Queue) ListDLQJobs(ctx context.Context, query DLQQuery) (*DLQPage, error) {
	filter, err := newDLQFilter(query.FailedAfter, query.FailedBefore, query.Search)
	if err != nil {
		return nil, err
	}

	page := query.Page
	if page < 1 {
		page = 1
	}
	if page > MaxDLQPage {
		return nil, ErrPageOutOfRange
	}
	limit := clampLimit(query.Limit, DefaultDLQPageLimit, MaxDLQPageLimit)

	jobs, total, err := q.store.ListDLQJobs(ctx, q.config.Name, filter, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter jobs: %w", err)
	}

	views := make([]DLQJobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newDLQJobView(job))
	}

	return &DLQPage{Jobs: views, Total: total, Page: page, Limit: limit}, nil
}

// GetDLQJob returns one terminal job.
func (q *Queue) GetDLQJob(ctx context.Context, id string) (*DLQJobView, error) {
	job, err := q.store.GetDLQJob(ctx, q.config.Name, id)
	if err != nil {
		return nil, err
	}
	view := newDLQJobView(job)
	return &view, nil
}

// ReplayDLQJob resets a terminal job so the worker runs it again with a
// fresh attempt budget.
func (q *Queue) ReplayDLQJob(ctx context.Context, id, actorID, reason string) (*ReplayResult, error) {
	job, err := q.store.ReplayDLQJob(ctx, q.config.Name, id)
	if err != nil {
		return nil, err
	}

	replayedAt := q.now().UTC()
	q.audit.Log(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     AuditActionDLQReplay,
		EntityType: AuditEntityType,
		EntityID:   id,
		Metadata: map[string]any{
			"replayType": replayTypeSingle,
			"queue":      q.config.Name,
			"jobId":      id,
			"reason":     nullableReason(reason),
			"replayedAt": replayedAt.Format(time.RFC3339),
		},
	})

	recordReplays(ReplayModeSingle, 1)
	if _, _, err := q.RefreshDepth(ctx); err != nil {
		q.logger.Warn("failed to refresh queue depth", "error", err)
	}

	q.logger.Info("dead-letter job replayed", "job_id", id, "actor_id", actorID)

	return &ReplayResult{ID: job.ID, Status: ReplayStatusReplayed, EnqueuedAt: job.RunAt}, nil
}

// ReplayDLQJobsBulk replays up to opts.Limit matching terminal jobs. Each job
// is replayed independently; one failure does not abort the rest.
func (q *Queue) ReplayDLQJobsBulk(ctx context.Context, actorID string, opts BulkReplayOptions) (*BulkReplayResult, error) {
	filter, err := newDLQFilter(opts.FailedAfter, opts.FailedBefore, opts.Search)
	if err != nil {
		return nil, err
	}
	limit := clampLimit(opts.Limit, DefaultBulkReplayLimit, MaxBulkReplayLimit)

	jobs, _, err := q.store.ListDLQJobs(ctx, q.config.Name, filter, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter jobs: %w", err)
	}

	result := &BulkReplayResult{Details: make([]BulkReplayDetail, 0, len(jobs))}
	for _, job := range jobs {
		result.Attempted++
		if _, err := q.store.ReplayDLQJob(ctx, q.config.Name, job.ID); err != nil {
			result.Failed++
			result.Details = append(result.Details, BulkReplayDetail{ID: job.ID, Status: ReplayStatusFailed, Reason: err.Error()})
			q.logger.Warn("failed to replay dead-letter job", "job_id", job.ID, "error", err)
			continue
		}
		result.Replayed++
		result.Details = append(result.Details, BulkReplayDetail{ID: job.ID, Status: ReplayStatusReplayed})
	}

	q.audit.Log(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     AuditActionDLQReplay,
		EntityType: AuditEntityType,
		EntityID:   q.config.Name,
		Metadata: map[string]any{
			"replayType": replayTypeBulk,
			"queue":      q.config.Name,
			"filters": map[string]any{
				"limit":        limit,
				"failedAfter":  formatOptionalTime(filter.FailedAfter),
				"failedBefore": formatOptionalTime(filter.FailedBefore),
				"search":       filter.Search,
			},
			"summary": map[string]any{
				"attempted": result.Attempted,
				"replayed":  result.Replayed,
				"failed":    result.Failed,
			},
			"reason":     nullableReason(opts.Reason),
			"replayedAt": q.now().UTC().Format(time.RFC3339),
		},
	})

	recordReplays(ReplayModeBulk, result.Replayed)
	if _, _, err := q.RefreshDepth(ctx); err != nil {
		q.logger.Warn("failed to refresh queue depth", "error", err)
	}

	q.logger.Info("dead-letter bulk replay finished",
		"actor_id", actorID,
		"attempted", result.Attempted,
		"replayed", result.Replayed,
		"failed", result.Failed,
	)

	return result, nil
}

// DeleteDLQJob purges a terminal job.
func (q *Queue) DeleteDLQJob(ctx context.Context, id, actorID, reason string) error {
	if err := q.store.DeleteDLQJob(ctx, q.config.Name, id); err != nil {
		return err
	}

	q.audit.Log(ctx, AuditEntry{
		ActorID:    actorID,
		Action:     AuditActionDLQCleanup,
		EntityType: AuditEntityType,
		EntityID:   id,
		Metadata: map[string]any{
			"queue":     q.config.Name,
			"jobId":     id,
			"reason":    nullableReason(reason),
			"deletedAt": q.now().UTC().Format(time.RFC3339),
		},
	})

	if _, _, err := q.RefreshDepth(ctx); err != nil {
		q.logger.Warn("failed to refresh queue depth", "error", err)
	}

	q.logger.Info("dead-letter job deleted", "job_id", id, "actor_id", actorID)
	return nil
}

func newDLQFilter(after, before *time.Time, search string) (DLQFilter, error) {
	if after != nil && before != nil && after.After(*before) {
		return DLQFilter{}, ErrInvalidTimeRange
	}
	return DLQFilter{
		FailedAfter:  after,
		FailedBefore: before,
		Search:       strings.TrimSpace(search),
	}, nil
}

func newDLQJobView(job *Job) DLQJobView {
	view := DLQJobView{
		ID:           job.ID,
		Name:         job.Name,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		FailedReason: job.FailedReason,
		FailedAt:     job.FailedAt,
		CreatedAt:    job.CreatedAt,
		Channel:      defaultChannel(job.Name),
	}

	var env Envelope
	if err := json.Unmarshal(job.Payload, &env); err == nil {
		if env.Channel != "" {
			view.Channel = env.Channel
		}
		if env.RecipientEmail != "" {
			view.RecipientEmail = pii.MaskEmail(env.RecipientEmail)
		}
	}
	return view
}

func clampLimit(v, def, maxLimit int) int {
	if v == 0 {
		return def
	}
	if v < 1 {
		return 1
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func nullableReason(reason string) any {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil
	}
	return reason
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
