package notifications

import "context"

// AuditAction identifies an operator action on the dead-letter queue.
type AuditAction string

// Audit actions.
const (
	AuditActionDLQReplay  AuditAction = "notification_dlq_replay"
	AuditActionDLQCleanup AuditAction = "notification_dlq_cleanup"
)

// AuditEntityType is the entity type recorded for dead-letter actions.
const AuditEntityType = "notification_dlq"

// AuditEntry is one operator action.
type AuditEntry struct {
	ActorID    string
	Action     AuditAction
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

// AuditLogger records operator actions. Implementations must not fail the
// caller: write errors are handled internally.
type AuditLogger interface {
	Log(ctx context.Context, entry AuditEntry)
}

type nopAuditLogger struct{}

func (nopAuditLogger) Log(context.Context, AuditEntry) {}
