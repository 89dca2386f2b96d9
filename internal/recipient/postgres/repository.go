// Package postgres provides PostgreSQL implementation of the recipient user store.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/bissquit/xconfess/internal/domain"
	"github.com/bissquit/xconfess/internal/recipient"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements recipient.UserStore using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// GetUserEmailRecord reads the encrypted email columns of a user.
// An ID that is not a UUID cannot match any row and is reported as not found.
func (r *Repository) GetUserEmailRecord(ctx context.Context, userID string) (*domain.UserEmailRecord, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, recipient.ErrUserNotFound
	}

	query := `
		SELECT id, COALESCE(email_encrypted, ''), COALESCE(email_iv, ''), COALESCE(email_tag, ''),
		       COALESCE(email_hash, ''), created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var user domain.UserEmailRecord
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.EmailEncrypted,
		&user.EmailIV,
		&user.EmailTag,
		&user.EmailHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, recipient.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user email record: %w", err)
	}
	return &user, nil
}
