package notifications

import "errors"

// Queue errors.
var (
	ErrJobNotFound         = errors.New("dead-letter job not found")
	ErrJobLeaseLost        = errors.New("job is no longer active")
	ErrDuplicateSuppressed = errors.New("duplicate notification suppressed")
	ErrUnknownJob          = errors.New("no handler registered for job")
	ErrEmptyJobName        = errors.New("job name is required")
)

// Request errors.
var (
	ErrInvalidTimeRange = errors.New("failedAfter must not be later than failedBefore")
	ErrPageOutOfRange   = errors.New("page is out of range")
	ErrInvalidPayload   = errors.New("invalid job payload")
	ErrMissingRecipient = errors.New("payload has no recipient")
)
