package events

import (
	"context"
	"time"
)

// Event types carried on the bus.
const (
	TypeJobCreated       = "job.created"
	TypeJobStateChanged  = "job.state_changed"
	TypeItemStateChanged = "item.state_changed"
	TypeJobProgress      = "job.progress"
)

// Envelope is the wire format for one real-time event. Sequence numbers are
// per job and assigned by the bus at publish time; events for one job are
// delivered in sequence order.
type Envelope struct {
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      string         `json:"tenant_id"`
	JobID         string         `json:"job_id"`
	Sequence      uint64         `json:"sequence"`
	Data          map[string]any `json:"data"`
}

type correlationKey struct{}

// WithCorrelation stores a correlation ID for events published downstream
// of this context.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation ID from ctx, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}
