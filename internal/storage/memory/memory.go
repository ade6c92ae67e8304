// Package memory is the in-process Job Registry. It backs unit tests and
// development serving without a database, with the same optimistic
// versioning contract as the postgres registry.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

// Repository is a mutex-guarded, copy-on-read implementation of
// jobs.Repository.
type Repository struct {
	mu    sync.RWMutex
	jobs  map[string]*jobs.BulkJob
	items map[string]*jobs.Item
	keys  map[string]*jobs.IdempotencyKey // tenant \x00 key
}

// NewRepository creates an empty in-memory registry.
func NewRepository() *Repository {
	return &Repository{
		jobs:  make(map[string]*jobs.BulkJob),
		items: make(map[string]*jobs.Item),
		keys:  make(map[string]*jobs.IdempotencyKey),
	}
}

func (r *Repository) CreateJob(_ context.Context, job *jobs.BulkJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return jobs.ErrVersionConflict
	}
	job.Version = 1
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *Repository) GetJob(_ context.Context, id string) (*jobs.BulkJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *Repository) UpdateJob(_ context.Context, job *jobs.BulkJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return jobs.ErrNotFound
	}
	if stored.Version != job.Version {
		return jobs.ErrVersionConflict
	}
	job.Version++
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *Repository) ListJobs(_ context.Context, tenantID string, p jobs.Pagination) (jobs.JobPage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*jobs.BulkJob, 0)
	for _, job := range r.jobs {
		if job.TenantID != tenantID {
			continue
		}
		matched = append(matched, job)
	}
	// Newest first with ID tie-break, matching the postgres ordering.
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	filtered := matched[:0]
	for _, job := range matched {
		if !p.AfterCreated.IsZero() {
			if job.CreatedAt.After(p.AfterCreated) {
				continue
			}
			if job.CreatedAt.Equal(p.AfterCreated) && job.ID >= p.AfterID {
				continue
			}
		}
		filtered = append(filtered, job)
	}

	page := jobs.JobPage{}
	for i, job := range filtered {
		if i == p.Limit {
			page.HasMore = true
			break
		}
		page.Jobs = append(page.Jobs, cloneJob(job))
	}
	return page, nil
}

func (r *Repository) ListJobsInState(_ context.Context, state jobs.JobState, limit int) ([]*jobs.BulkJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobsInStateLocked("", state, limit), nil
}

func (r *Repository) ListJobsByTenantInState(_ context.Context, tenantID string, state jobs.JobState, limit int) ([]*jobs.BulkJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobsInStateLocked(tenantID, state, limit), nil
}

func (r *Repository) jobsInStateLocked(tenantID string, state jobs.JobState, limit int) []*jobs.BulkJob {
	matched := make([]*jobs.BulkJob, 0)
	for _, job := range r.jobs {
		if job.State != state {
			continue
		}
		if tenantID != "" && job.TenantID != tenantID {
			continue
		}
		matched = append(matched, cloneJob(job))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched
}

func (r *Repository) CreateItems(_ context.Context, items []*jobs.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, item := range items {
		if _, exists := r.items[item.ID]; exists {
			return jobs.ErrVersionConflict
		}
	}
	for _, item := range items {
		item.Version = 1
		r.items[item.ID] = cloneItem(item)
	}
	return nil
}

func (r *Repository) GetItem(_ context.Context, id string) (*jobs.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return cloneItem(item), nil
}

func (r *Repository) UpdateItem(_ context.Context, item *jobs.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[item.ID]
	if !ok {
		return jobs.ErrNotFound
	}
	if stored.Version != item.Version {
		return jobs.ErrVersionConflict
	}
	item.Version++
	r.items[item.ID] = cloneItem(item)
	return nil
}

func (r *Repository) ListItems(_ context.Context, q jobs.ItemQuery) (jobs.ItemPage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*jobs.Item, 0)
	for _, item := range r.items {
		if item.JobID != q.JobID {
			continue
		}
		if q.State != "" && item.State != q.State {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].RowIndex != matched[j].RowIndex {
			return matched[i].RowIndex < matched[j].RowIndex
		}
		return matched[i].ID < matched[j].ID
	})

	filtered := matched[:0]
	for _, item := range matched {
		if q.AfterID != "" || q.AfterRow > 0 {
			if item.RowIndex < q.AfterRow {
				continue
			}
			if item.RowIndex == q.AfterRow && item.ID <= q.AfterID {
				continue
			}
		}
		filtered = append(filtered, item)
	}

	page := jobs.ItemPage{}
	limit := q.Limit
	if limit <= 0 {
		limit = len(filtered)
	}
	for i, item := range filtered {
		if i == limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, cloneItem(item))
	}
	return page, nil
}

func (r *Repository) ListStaleProcessing(_ context.Context, cutoff time.Time, limit int) ([]*jobs.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*jobs.Item, 0)
	for _, item := range r.items {
		if item.State != jobs.ItemStateProcessing {
			continue
		}
		if item.LastHeartbeatAt != nil && !item.LastHeartbeatAt.Before(cutoff) {
			continue
		}
		matched = append(matched, cloneItem(item))
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (r *Repository) GetIdempotencyKey(_ context.Context, tenantID, key string) (*jobs.IdempotencyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.keys[tenantID+"\x00"+key]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	cloned := *record
	return &cloned, nil
}

func (r *Repository) InsertIdempotencyKey(_ context.Context, record *jobs.IdempotencyKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	lookup := record.TenantID + "\x00" + record.Key
	if existing, ok := r.keys[lookup]; ok && existing.ExpiresAt.After(record.CreatedAt) {
		return jobs.ErrIdempotencyConflict
	}
	cloned := *record
	r.keys[lookup] = &cloned
	return nil
}

func (r *Repository) DeleteExpiredIdempotencyKeys(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for lookup, record := range r.keys {
		if record.ExpiresAt.Before(cutoff) {
			delete(r.keys, lookup)
			removed++
		}
	}
	return removed, nil
}

func cloneJob(job *jobs.BulkJob) *jobs.BulkJob {
	cloned := *job
	if job.Source != nil {
		source := *job.Source
		cloned.Source = &source
	}
	cloned.Artifacts = append([]jobs.Artifact(nil), job.Artifacts...)
	cloned.InputRows = append([]byte(nil), job.InputRows...)
	cloned.AvgItemDurationMS = cloneInt64(job.AvgItemDurationMS)
	cloned.EtaMS = cloneInt64(job.EtaMS)
	cloned.StartedAt = cloneTime(job.StartedAt)
	cloned.FinishedAt = cloneTime(job.FinishedAt)
	return &cloned
}

func cloneItem(item *jobs.Item) *jobs.Item {
	cloned := *item
	cloned.Artifacts = append([]jobs.Artifact(nil), item.Artifacts...)
	cloned.Errors = append([]jobs.ItemError(nil), item.Errors...)
	cloned.Payload = append([]byte(nil), item.Payload...)
	cloned.StartedAt = cloneTime(item.StartedAt)
	cloned.FinishedAt = cloneTime(item.FinishedAt)
	cloned.LastHeartbeatAt = cloneTime(item.LastHeartbeatAt)
	return &cloned
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
