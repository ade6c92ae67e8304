package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

func (r *Repository) GetIdempotencyKey(ctx context.Context, tenantID, key string) (*jobs.IdempotencyKey, error) {
	var rec jobs.IdempotencyKey
	err := r.pool.QueryRow(ctx, `
SELECT tenant_id, key, payload_hash, job_id, created_at, expires_at
  FROM idempotency_keys
 WHERE tenant_id = $1 AND key = $2 AND expires_at > now()`,
		tenantID, key,
	).Scan(&rec.TenantID, &rec.Key, &rec.PayloadHash, &rec.JobID, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return &rec, nil
}

func (r *Repository) InsertIdempotencyKey(ctx context.Context, rec *jobs.IdempotencyKey) error {
	// Expired rows are reclaimed in place so the unique constraint only
	// blocks keys still inside their window.
	tag, err := r.pool.Exec(ctx, `
INSERT INTO idempotency_keys (tenant_id, key, payload_hash, job_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (tenant_id, key) DO UPDATE
   SET payload_hash = EXCLUDED.payload_hash,
       job_id = EXCLUDED.job_id,
       created_at = EXCLUDED.created_at,
       expires_at = EXCLUDED.expires_at
 WHERE idempotency_keys.expires_at <= now()`,
		rec.TenantID, rec.Key, rec.PayloadHash, rec.JobID, rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return jobs.ErrIdempotencyConflict
		}
		return fmt.Errorf("insert idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrIdempotencyConflict
	}
	return nil
}

func (r *Repository) DeleteExpiredIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
