// Package postgres is the durable Job Registry backed by pgx. Per-entity
// atomicity comes from version-checked updates: UPDATE ... WHERE version =
// the version the caller read, returning ErrVersionConflict when it moved.
package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

var _ jobs.Repository = (*Repository)(nil)

// Repository implements jobs.Repository on a pgx connection pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates the postgres registry.
func NewRepository(pool *pgxpool.Pool) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres repository: pool is nil")
	}
	return &Repository{pool: pool}, nil
}

// Pool exposes the underlying pool for collaborators that share it (river
// client, metrics collector).
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}
