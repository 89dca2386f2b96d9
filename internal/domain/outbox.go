package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus represents the dispatch status of an outbox event.
type OutboxStatus string

// Outbox statuses.
const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusCompleted  OutboxStatus = "COMPLETED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
)

// IsValid checks if the outbox status is valid.
func (s OutboxStatus) IsValid() bool {
	switch s {
	case OutboxStatusPending, OutboxStatusProcessing, OutboxStatusCompleted, OutboxStatusFailed:
		return true
	}
	return false
}

// Outbox event types written by business services.
const (
	OutboxTypeCommentNotification  = "comment_notification"
	OutboxTypeMessageNotification  = "message_notification"
	OutboxTypeReplyNotification    = "reply_notification"
	OutboxTypeReactionNotification = "reaction_notification"
	OutboxTypeReactionUpdate       = "reaction_update"
	OutboxTypeReportNotification   = "report_notification"
)

// OutboxEvent is a side effect recorded in the same transaction as the
// business change that caused it.
type OutboxEvent struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	RetryCount     int             `json:"retry_count"`
	LastError      *string         `json:"last_error,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// IsDispatchable reports whether the event may be picked up by a poll cycle.
func (e *OutboxEvent) IsDispatchable(maxRetries int) bool {
	switch e.Status {
	case OutboxStatusPending:
		return true
	case OutboxStatusFailed:
		return e.RetryCount < maxRetries
	}
	return false
}
