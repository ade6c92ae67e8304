package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

const jobColumns = `
id, tenant_id, state,
items_total, items_completed, items_failed, items_skipped, items_canceled, items_pending, items_processing,
duration_sum_ms, duration_samples,
time_to_start_ms, time_processing_ms, avg_item_duration_ms, eta_ms,
rate_limited, processing_deadline_ms, callback_url, idempotency_key,
source, input_rows, artifacts,
error_code, error_message, fail_on_settle,
created_at, updated_at, started_at, finished_at, state_changed_at, version`

func (r *Repository) CreateJob(ctx context.Context, job *jobs.BulkJob) error {
	source, err := encodeJSON(job.Source)
	if err != nil {
		return fmt.Errorf("encode job source: %w", err)
	}
	artifacts, err := encodeJSON(job.Artifacts)
	if err != nil {
		return fmt.Errorf("encode job artifacts: %w", err)
	}

	job.Version = 1
	_, err = r.pool.Exec(ctx, `
INSERT INTO bulk_jobs (
  id, tenant_id, state,
  items_total, items_completed, items_failed, items_skipped, items_canceled, items_pending, items_processing,
  duration_sum_ms, duration_samples,
  time_to_start_ms, time_processing_ms, avg_item_duration_ms, eta_ms,
  rate_limited, processing_deadline_ms, callback_url, idempotency_key,
  source, input_rows, artifacts,
  error_code, error_message, fail_on_settle,
  created_at, updated_at, started_at, finished_at, state_changed_at, version
) VALUES (
  $1, $2, $3,
  $4, $5, $6, $7, $8, $9, $10,
  $11, $12,
  $13, $14, $15, $16,
  $17, $18, $19, $20,
  $21, $22, $23,
  $24, $25, $26,
  $27, $28, $29, $30, $31, $32
)`,
		job.ID, job.TenantID, string(job.State),
		job.Counts.Total, job.Counts.Completed, job.Counts.Failed, job.Counts.Skipped, job.Counts.Canceled, job.Counts.Pending, job.Counts.Processing,
		job.DurationSumMS, job.DurationSamples,
		job.TimeToStartMS, job.TimeProcessingMS, job.AvgItemDurationMS, job.EtaMS,
		job.RateLimited, job.ProcessingDeadlineMS, job.CallbackURL, job.IdempotencyKey,
		source, nullableBytes(job.InputRows), artifacts,
		job.ErrorCode, job.ErrorMessage, job.FailOnSettle,
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.FinishedAt, job.StateChangedAt, job.Version,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Repository) GetJob(ctx context.Context, id string) (*jobs.BulkJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM bulk_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (r *Repository) UpdateJob(ctx context.Context, job *jobs.BulkJob) error {
	source, err := encodeJSON(job.Source)
	if err != nil {
		return fmt.Errorf("encode job source: %w", err)
	}
	artifacts, err := encodeJSON(job.Artifacts)
	if err != nil {
		return fmt.Errorf("encode job artifacts: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE bulk_jobs SET
  state = $2,
  items_total = $3, items_completed = $4, items_failed = $5, items_skipped = $6,
  items_canceled = $7, items_pending = $8, items_processing = $9,
  duration_sum_ms = $10, duration_samples = $11,
  time_to_start_ms = $12, time_processing_ms = $13, avg_item_duration_ms = $14, eta_ms = $15,
  rate_limited = $16, artifacts = $17,
  error_code = $18, error_message = $19, fail_on_settle = $20,
  updated_at = $21, started_at = $22, finished_at = $23, state_changed_at = $24,
  source = $25,
  version = version + 1
WHERE id = $1 AND version = $26`,
		job.ID, string(job.State),
		job.Counts.Total, job.Counts.Completed, job.Counts.Failed, job.Counts.Skipped,
		job.Counts.Canceled, job.Counts.Pending, job.Counts.Processing,
		job.DurationSumMS, job.DurationSamples,
		job.TimeToStartMS, job.TimeProcessingMS, job.AvgItemDurationMS, job.EtaMS,
		job.RateLimited, artifacts,
		job.ErrorCode, job.ErrorMessage, job.FailOnSettle,
		job.UpdatedAt, job.StartedAt, job.FinishedAt, job.StateChangedAt,
		source,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetJob(ctx, job.ID); errors.Is(getErr, jobs.ErrNotFound) {
			return jobs.ErrNotFound
		}
		return jobs.ErrVersionConflict
	}
	job.Version++
	return nil
}

func (r *Repository) ListJobs(ctx context.Context, tenantID string, p jobs.Pagination) (jobs.JobPage, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	var afterCreated *time.Time
	var afterID *string
	if !p.AfterCreated.IsZero() {
		created := p.AfterCreated
		afterCreated = &created
		afterID = &p.AfterID
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
  FROM bulk_jobs
 WHERE tenant_id = $1
   AND (
     $2::timestamptz IS NULL OR
     created_at < $2::timestamptz OR
     (created_at = $2::timestamptz AND id < $3)
   )
 ORDER BY created_at DESC, id DESC
 LIMIT $4`,
		tenantID, afterCreated, afterID, limit+1,
	)
	if err != nil {
		return jobs.JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	page := jobs.JobPage{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return jobs.JobPage{}, fmt.Errorf("scan job: %w", err)
		}
		page.Jobs = append(page.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return jobs.JobPage{}, fmt.Errorf("list jobs: %w", err)
	}
	if len(page.Jobs) > limit {
		page.Jobs = page.Jobs[:limit]
		page.HasMore = true
	}
	return page, nil
}

func (r *Repository) ListJobsInState(ctx context.Context, state jobs.JobState, limit int) ([]*jobs.BulkJob, error) {
	return r.jobsInState(ctx, "", state, limit)
}

func (r *Repository) ListJobsByTenantInState(ctx context.Context, tenantID string, state jobs.JobState, limit int) ([]*jobs.BulkJob, error) {
	return r.jobsInState(ctx, tenantID, state, limit)
}

func (r *Repository) jobsInState(ctx context.Context, tenantID string, state jobs.JobState, limit int) ([]*jobs.BulkJob, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
  FROM bulk_jobs
 WHERE state = $1 AND ($2 = '' OR tenant_id = $2)
 ORDER BY id ASC
 LIMIT $3`,
		string(state), tenantID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs in state: %w", err)
	}
	defer rows.Close()

	var result []*jobs.BulkJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs in state: %w", err)
	}
	return result, nil
}

func scanJob(row pgx.Row) (*jobs.BulkJob, error) {
	var (
		job       jobs.BulkJob
		state     string
		source    []byte
		inputRows []byte
		artifacts []byte
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &state,
		&job.Counts.Total, &job.Counts.Completed, &job.Counts.Failed, &job.Counts.Skipped,
		&job.Counts.Canceled, &job.Counts.Pending, &job.Counts.Processing,
		&job.DurationSumMS, &job.DurationSamples,
		&job.TimeToStartMS, &job.TimeProcessingMS, &job.AvgItemDurationMS, &job.EtaMS,
		&job.RateLimited, &job.ProcessingDeadlineMS, &job.CallbackURL, &job.IdempotencyKey,
		&source, &inputRows, &artifacts,
		&job.ErrorCode, &job.ErrorMessage, &job.FailOnSettle,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt, &job.StateChangedAt, &job.Version,
	)
	if err != nil {
		return nil, err
	}
	job.State = jobs.JobState(state)
	job.InputRows = inputRows
	if len(source) > 0 {
		job.Source = &jobs.SourceRef{}
		if err := json.Unmarshal(source, job.Source); err != nil {
			return nil, fmt.Errorf("decode job source: %w", err)
		}
	}
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &job.Artifacts); err != nil {
			return nil, fmt.Errorf("decode job artifacts: %w", err)
		}
	}
	return &job, nil
}

func encodeJSON(v any) ([]byte, error) {
	switch value := v.(type) {
	case *jobs.SourceRef:
		if value == nil {
			return nil, nil
		}
	case []jobs.Artifact:
		if len(value) == 0 {
			return nil, nil
		}
	case []jobs.ItemError:
		if len(value) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
