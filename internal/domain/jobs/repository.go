package jobs

import (
	"context"
	"time"
)

// Pagination is a keyset position over jobs, ordered by (created_at, id)
// descending.
type Pagination struct {
	Limit        int
	AfterCreated time.Time
	AfterID      string
}

// JobPage is one page of jobs plus the position of the last row.
type JobPage struct {
	Jobs    []*BulkJob
	HasMore bool
}

// ItemQuery selects items of one job, ordered by (row_index, id) ascending.
// AfterRow/AfterID form the exclusive keyset cursor.
type ItemQuery struct {
	JobID    string
	State    ItemState
	Limit    int
	AfterRow int
	AfterID  string
}

// ItemPage is one page of items.
type ItemPage struct {
	Items   []*Item
	HasMore bool
}

// Repository is the durable Job Registry. Implementations must provide
// atomic per-entity updates: UpdateJob and UpdateItem compare the Version
// the caller read and return ErrVersionConflict when it moved, leaving the
// stored record untouched.
type Repository interface {
	CreateJob(ctx context.Context, job *BulkJob) error
	GetJob(ctx context.Context, id string) (*BulkJob, error)
	UpdateJob(ctx context.Context, job *BulkJob) error
	ListJobs(ctx context.Context, tenantID string, p Pagination) (JobPage, error)
	ListJobsInState(ctx context.Context, state JobState, limit int) ([]*BulkJob, error)
	ListJobsByTenantInState(ctx context.Context, tenantID string, state JobState, limit int) ([]*BulkJob, error)

	CreateItems(ctx context.Context, items []*Item) error
	GetItem(ctx context.Context, id string) (*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	ListItems(ctx context.Context, q ItemQuery) (ItemPage, error)
	// ListStaleProcessing returns processing items whose last heartbeat is
	// older than cutoff.
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*Item, error)

	GetIdempotencyKey(ctx context.Context, tenantID, key string) (*IdempotencyKey, error)
	InsertIdempotencyKey(ctx context.Context, record *IdempotencyKey) error
	DeleteExpiredIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)
}
