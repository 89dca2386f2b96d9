// Package outbox hands events recorded by business transactions over to the
// notification queue.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bissquit/xconfess/internal/domain"
)

// Store defines the dispatcher's view of the outbox table.
type Store interface {
	// FetchDispatchable returns up to limit PENDING events and FAILED events
	// with fewer than maxRetries retries, oldest first.
	FetchDispatchable(ctx context.Context, limit, maxRetries int) ([]*domain.OutboxEvent, error)
	// MarkProcessing claims the event under the same eligibility rule as
	// FetchDispatchable. It returns ErrEventNotFound when the event is gone,
	// already claimed or out of retries.
	MarkProcessing(ctx context.Context, id string, maxRetries int) error
	MarkCompleted(ctx context.Context, id string, processedAt time.Time) error
	MarkFailed(ctx context.Context, id, reason string) error
	// ResetStuck moves events PROCESSING since before the cutoff to FAILED.
	ResetStuck(ctx context.Context, before time.Time, reason string) (int64, error)
}

// NewEvent is what a producer records alongside its business change.
type NewEvent struct {
	Type           string
	Payload        any
	IdempotencyKey string
}

// Encode validates the event and returns its serialized payload.
func (e NewEvent) Encode() (json.RawMessage, error) {
	if e.Type == "" {
		return nil, ErrEmptyEventType
	}

	var data []byte
	switch p := e.Payload.(type) {
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	if !json.Valid(data) {
		return nil, ErrInvalidPayload
	}
	return data, nil
}
