// Package postgres provides the PostgreSQL outbox store and the producer-side
// writer.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/xconfess/internal/domain"
	"github.com/bissquit/xconfess/internal/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const eventColumns = `id, type, payload, status, retry_count, last_error, idempotency_key, created_at, updated_at, processed_at`

// Repository implements outbox.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// FetchDispatchable returns eligible events ordered by creation time.
func (r *Repository) FetchDispatchable(ctx context.Context, limit, maxRetries int) ([]*domain.OutboxEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM outbox_events
		WHERE status = 'PENDING'
		   OR (status = 'FAILED' AND retry_count < $2)
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("fetch dispatchable events: %w", err)
	}
	defer rows.Close()

	events := make([]*domain.OutboxEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox events: %w", err)
	}

	return events, nil
}

// MarkProcessing claims an eligible event.
func (r *Repository) MarkProcessing(ctx context.Context, id string, maxRetries int) error {
	query := `
		UPDATE outbox_events
		SET status = 'PROCESSING', updated_at = NOW()
		WHERE id = $1
		  AND (status = 'PENDING' OR (status = 'FAILED' AND retry_count < $2))
	`
	result, err := r.db.Exec(ctx, query, id, maxRetries)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if result.RowsAffected() == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

// MarkCompleted finalizes a dispatched event.
func (r *Repository) MarkCompleted(ctx context.Context, id string, processedAt time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'COMPLETED', processed_at = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, processedAt)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

// MarkFailed records a dispatch failure and bumps the retry counter.
func (r *Repository) MarkFailed(ctx context.Context, id, reason string) error {
	query := `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return outbox.ErrEventNotFound
	}
	return nil
}

// ResetStuck fails events that have been PROCESSING since before the cutoff.
func (r *Repository) ResetStuck(ctx context.Context, before time.Time, reason string) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2, updated_at = NOW()
		WHERE status = 'PROCESSING' AND updated_at < $1
	`
	result, err := r.db.Exec(ctx, query, before, reason)
	if err != nil {
		return 0, fmt.Errorf("reset stuck events: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetEvent returns a single event. Used by operators and tests.
func (r *Repository) GetEvent(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM outbox_events WHERE id = $1`
	ev, err := scanEvent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, outbox.ErrEventNotFound
		}
		return nil, fmt.Errorf("get outbox event: %w", err)
	}
	return ev, nil
}

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx, so events can
// be written inside the producer's own transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer records outbox events for producers.
type Writer struct{}

// NewWriter creates a writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Add inserts ev using q. When an event with the same idempotency key
// already exists, that event is returned with inserted=false.
func (w *Writer) Add(ctx context.Context, q Querier, ev outbox.NewEvent) (*domain.OutboxEvent, bool, error) {
	payload, err := ev.Encode()
	if err != nil {
		return nil, false, err
	}

	var key *string
	if ev.IdempotencyKey != "" {
		key = &ev.IdempotencyKey
	}

	query := `
		INSERT INTO outbox_events (id, type, payload, status, idempotency_key)
		VALUES ($1, $2, $3, 'PENDING', $4)
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING ` + eventColumns

	created, err := scanEvent(q.QueryRow(ctx, query, uuid.NewString(), ev.Type, payload, key))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || key == nil {
		return nil, false, fmt.Errorf("insert outbox event: %w", err)
	}

	existing, err := scanEvent(q.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM outbox_events WHERE idempotency_key = $1`, *key))
	if err != nil {
		return nil, false, fmt.Errorf("load existing outbox event: %w", err)
	}
	return existing, false, nil
}

func scanEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	err := row.Scan(
		&ev.ID,
		&ev.Type,
		&ev.Payload,
		&ev.Status,
		&ev.RetryCount,
		&ev.LastError,
		&ev.IdempotencyKey,
		&ev.CreatedAt,
		&ev.UpdatedAt,
		&ev.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
