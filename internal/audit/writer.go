// Package audit persists operator actions to the audit_logs table.
package audit

import (
	"context"
	"encoding/json"

	"github.com/bissquit/xconfess/internal/notifications"
	"github.com/bissquit/xconfess/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Writer implements notifications.AuditLogger. A failed write is logged and
// never returned to the caller.
type Writer struct {
	db Execer
}

// NewWriter creates an audit writer.
func NewWriter(db Execer) *Writer {
	return &Writer{db: db}
}

// Log inserts one audit row.
func (w *Writer) Log(ctx context.Context, entry notifications.AuditEntry) {
	logger := ctxlog.FromContext(ctx)

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		logger.Error("failed to encode audit metadata",
			"action", entry.Action,
			"entity_id", entry.EntityID,
			"error", err,
		)
		return
	}

	query := `
		INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err = w.db.Exec(ctx, query,
		uuid.NewString(),
		nullable(entry.ActorID),
		string(entry.Action),
		entry.EntityType,
		entry.EntityID,
		metadata,
	)
	if err != nil {
		logger.Error("failed to write audit log",
			"action", entry.Action,
			"entity_id", entry.EntityID,
			"error", err,
		)
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
