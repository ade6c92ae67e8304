package jobs

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a BulkJob.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateRunning    JobState = "running"
	JobStatePausing    JobState = "pausing"
	JobStatePaused     JobState = "paused"
	JobStateCompleting JobState = "completing"
	JobStateCompleted  JobState = "completed"
	JobStateCanceling  JobState = "canceling"
	JobStateCanceled   JobState = "canceled"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateCanceled || s == JobStateFailed
}

// ItemState is the lifecycle state of a single Item.
type ItemState string

const (
	ItemStatePending    ItemState = "pending"
	ItemStateProcessing ItemState = "processing"
	ItemStateCompleted  ItemState = "completed"
	ItemStateFailed     ItemState = "failed"
	ItemStateSkipped    ItemState = "skipped"
	ItemStateCanceled   ItemState = "canceled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s ItemState) Terminal() bool {
	switch s {
	case ItemStateCompleted, ItemStateFailed, ItemStateSkipped, ItemStateCanceled:
		return true
	}
	return false
}

// ItemCounts are the per-state item buckets maintained by the progress
// aggregator. Total always equals the sum of the other buckets.
type ItemCounts struct {
	Total      int `json:"items_total"`
	Completed  int `json:"items_completed"`
	Failed     int `json:"items_failed"`
	Skipped    int `json:"items_skipped"`
	Canceled   int `json:"items_canceled"`
	Pending    int `json:"items_pending"`
	Processing int `json:"items_processing"`
}

// Sum returns the total across all non-Total buckets.
func (c ItemCounts) Sum() int {
	return c.Completed + c.Failed + c.Skipped + c.Canceled + c.Pending + c.Processing
}

// SourceRef points at the external input source a job was created from.
type SourceRef struct {
	Kind string `json:"kind"`
	URI  string `json:"uri,omitempty"`
}

// Artifact is a reference to an output produced by a job or item.
type Artifact struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// ItemError is one recorded failure on an item.
type ItemError struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Class      string    `json:"class"`
	OccurredAt time.Time `json:"occurred_at"`
}

// BulkJob is an orchestrated batch of content-generation work items.
type BulkJob struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	State    JobState `json:"state"`

	Counts ItemCounts `json:"counts"`

	// Rolling-mean inputs for average item duration. Internal to the
	// aggregator; derived fields below are what clients see.
	DurationSumMS   int64 `json:"-"`
	DurationSamples int64 `json:"-"`

	TimeToStartMS     int64  `json:"time_to_start_ms"`
	TimeProcessingMS  int64  `json:"time_processing_ms"`
	AvgItemDurationMS *int64 `json:"average_duration_ms_per_item"`
	EtaMS             *int64 `json:"eta_ms"`

	RateLimited          bool  `json:"rate_limited"`
	ProcessingDeadlineMS int64 `json:"processing_deadline_ms,omitempty"`

	CallbackURL    string `json:"callback_url,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	Source    *SourceRef      `json:"source,omitempty"`
	InputRows json.RawMessage `json:"-"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// FailOnSettle routes a canceling job to failed instead of canceled
	// once its items drain. Set by systemic failures that must first wind
	// down in-flight work.
	FailOnSettle bool `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// StateChangedAt tracks entry into the current state; the pausing and
	// canceling handshakes time out against it.
	StateChangedAt time.Time `json:"-"`

	// Version is the optimistic concurrency counter. Every successful
	// registry update increments it; writers must present the version
	// they read.
	Version int64 `json:"-"`
}

// Item is one atomic unit of work owned by a BulkJob.
type Item struct {
	ID       string    `json:"id"`
	JobID    string    `json:"job_id"`
	TenantID string    `json:"tenant_id"`
	State    ItemState `json:"state"`

	RowIndex        int     `json:"row_index"`
	Title           string  `json:"title,omitempty"`
	PercentComplete float64 `json:"percent_complete"`

	Artifacts []Artifact      `json:"artifacts,omitempty"`
	Errors    []ItemError     `json:"errors,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"-"`

	Version int64 `json:"-"`
}

// Duration returns the observed processing duration of a terminal item,
// or zero when it never started or has not finished.
func (i *Item) Duration() time.Duration {
	if i.StartedAt == nil || i.FinishedAt == nil {
		return 0
	}
	return i.FinishedAt.Sub(*i.StartedAt)
}

// ItemSeed is one item descriptor produced by an input source reader.
type ItemSeed struct {
	RowIndex int             `json:"row_index"`
	Title    string          `json:"title,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func marshalRows(rows []ItemSeed) ([]byte, error) {
	return json.Marshal(rows)
}

// IdempotencyKey is a stored job-creation deduplication record, scoped
// per tenant.
type IdempotencyKey struct {
	TenantID    string
	Key         string
	PayloadHash string
	JobID       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
