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

const itemColumns = `
id, job_id, tenant_id, state,
row_index, title, percent_complete,
artifacts, errors, payload,
created_at, updated_at, started_at, finished_at, last_heartbeat_at, version`

func (r *Repository) CreateItems(ctx context.Context, items []*jobs.Item) error {
	if len(items) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		artifacts, err := encodeJSON(item.Artifacts)
		if err != nil {
			return fmt.Errorf("encode item artifacts: %w", err)
		}
		itemErrs, err := encodeJSON(item.Errors)
		if err != nil {
			return fmt.Errorf("encode item errors: %w", err)
		}
		item.Version = 1
		batch.Queue(`
INSERT INTO bulk_job_items (
  id, job_id, tenant_id, state,
  row_index, title, percent_complete,
  artifacts, errors, payload,
  created_at, updated_at, started_at, finished_at, last_heartbeat_at, version
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			item.ID, item.JobID, item.TenantID, string(item.State),
			item.RowIndex, item.Title, item.PercentComplete,
			artifacts, itemErrs, nullableBytes(item.Payload),
			item.CreatedAt, item.UpdatedAt, item.StartedAt, item.FinishedAt, item.LastHeartbeatAt, item.Version,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range items {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert items: %w", err)
		}
	}
	return nil
}

func (r *Repository) GetItem(ctx context.Context, id string) (*jobs.Item, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM bulk_job_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (r *Repository) UpdateItem(ctx context.Context, item *jobs.Item) error {
	artifacts, err := encodeJSON(item.Artifacts)
	if err != nil {
		return fmt.Errorf("encode item artifacts: %w", err)
	}
	itemErrs, err := encodeJSON(item.Errors)
	if err != nil {
		return fmt.Errorf("encode item errors: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `
UPDATE bulk_job_items SET
  state = $2, percent_complete = $3,
  artifacts = $4, errors = $5,
  updated_at = $6, started_at = $7, finished_at = $8, last_heartbeat_at = $9,
  version = version + 1
WHERE id = $1 AND version = $10`,
		item.ID, string(item.State), item.PercentComplete,
		artifacts, itemErrs,
		item.UpdatedAt, item.StartedAt, item.FinishedAt, item.LastHeartbeatAt,
		item.Version,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetItem(ctx, item.ID); errors.Is(getErr, jobs.ErrNotFound) {
			return jobs.ErrNotFound
		}
		return jobs.ErrVersionConflict
	}
	item.Version++
	return nil
}

func (r *Repository) ListItems(ctx context.Context, q jobs.ItemQuery) (jobs.ItemPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var afterRow *int
	var afterID *string
	if q.AfterID != "" {
		row := q.AfterRow
		afterRow = &row
		afterID = &q.AfterID
	}

	rows, err := r.pool.Query(ctx, `
SELECT `+itemColumns+`
  FROM bulk_job_items
 WHERE job_id = $1
   AND ($2 = '' OR state = $2)
   AND (
     $3::int IS NULL OR
     row_index > $3::int OR
     (row_index = $3::int AND id > $4)
   )
 ORDER BY row_index ASC, id ASC
 LIMIT $5`,
		q.JobID, string(q.State), afterRow, afterID, limit+1,
	)
	if err != nil {
		return jobs.ItemPage{}, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	page := jobs.ItemPage{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return jobs.ItemPage{}, fmt.Errorf("scan item: %w", err)
		}
		page.Items = append(page.Items, item)
	}
	if err := rows.Err(); err != nil {
		return jobs.ItemPage{}, fmt.Errorf("list items: %w", err)
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.HasMore = true
	}
	return page, nil
}

func (r *Repository) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]*jobs.Item, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+itemColumns+`
  FROM bulk_job_items
 WHERE state = 'processing' AND last_heartbeat_at < $1
 ORDER BY last_heartbeat_at ASC
 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale processing items: %w", err)
	}
	defer rows.Close()

	var result []*jobs.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale processing items: %w", err)
	}
	return result, nil
}

func scanItem(row pgx.Row) (*jobs.Item, error) {
	var (
		item      jobs.Item
		state     string
		artifacts []byte
		itemErrs  []byte
		payload   []byte
	)
	err := row.Scan(
		&item.ID, &item.JobID, &item.TenantID, &state,
		&item.RowIndex, &item.Title, &item.PercentComplete,
		&artifacts, &itemErrs, &payload,
		&item.CreatedAt, &item.UpdatedAt, &item.StartedAt, &item.FinishedAt, &item.LastHeartbeatAt, &item.Version,
	)
	if err != nil {
		return nil, err
	}
	item.State = jobs.ItemState(state)
	item.Payload = payload
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &item.Artifacts); err != nil {
			return nil, fmt.Errorf("decode item artifacts: %w", err)
		}
	}
	if len(itemErrs) > 0 {
		if err := json.Unmarshal(itemErrs, &item.Errors); err != nil {
			return nil, fmt.Errorf("decode item errors: %w", err)
		}
	}
	return &item, nil
}
