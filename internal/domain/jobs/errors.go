package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or item does not exist, or is
	// owned by a different tenant.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by the registry when an optimistic
	// update raced with another writer. Callers re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrIdempotencyConflict is returned when an idempotency key is
	// reused with a materially different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
)

// StateConflictError reports an illegal transition attempt. The entity is
// left unchanged.
type StateConflictError struct {
	EntityID string
	From     string
	To       string
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for %s", e.From, e.To, e.EntityID)
}

// ValidationError reports an invalid field on a create or mutation request.
// Validation failures are rejected before any state mutation occurs.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Error classes recorded on failed items.
const (
	ErrorClassTimeout  = "Timeout"
	ErrorClassUpstream = "UpstreamError"
	ErrorClassInternal = "InternalError"
)

// Job-level error codes for systemic failures.
const (
	ErrorCodeDeadlineExceeded  = "deadline_exceeded"
	ErrorCodeSourceUnavailable = "source_unavailable"
	ErrorCodePauseTimeout      = "pause_timeout"
)
