package outbox

import "errors"

var (
	ErrCycleInProgress = errors.New("poll cycle already in progress")
	ErrEventNotFound   = errors.New("outbox event not found or not dispatchable")
	ErrEmptyEventType  = errors.New("outbox event type is required")
	ErrInvalidPayload  = errors.New("outbox payload must be valid JSON")
)
