// Package source defines the input-source collaborator that materializes a
// job's items when the job enters running. Connectors for real spreadsheet
// providers live outside the engine; the engine only consumes this
// interface. Inline rows and local CSV files ship as reference readers.
package source

import (
	"context"
	"errors"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

// ErrUnavailable indicates the input source is permanently unreachable.
// The orchestrator fails the whole job on it.
var ErrUnavailable = errors.New("input source unavailable")

// Reader produces the item descriptors for one job. Invoked exactly once
// per job on entering running.
type Reader interface {
	ProduceItems(ctx context.Context, job *jobs.BulkJob) ([]jobs.ItemSeed, error)
}

// Registry resolves a Reader by source kind.
type Registry struct {
	readers map[string]Reader
}

// NewRegistry creates an empty reader registry.
func NewRegistry() *Registry {
	return &Registry{readers: make(map[string]Reader)}
}

// Register binds a reader to a source kind, replacing any previous binding.
func (r *Registry) Register(kind string, reader Reader) {
	r.readers[kind] = reader
}

// Resolve returns the reader for a job's source. Jobs without a source
// reference resolve to the inline reader.
func (r *Registry) Resolve(job *jobs.BulkJob) (Reader, error) {
	kind := KindInline
	if job.Source != nil && job.Source.Kind != "" {
		kind = job.Source.Kind
	}
	reader, ok := r.readers[kind]
	if !ok {
		return nil, errors.New("no reader registered for source kind " + kind)
	}
	return reader, nil
}

// Source kinds with built-in readers.
const (
	KindInline = "inline"
	KindCSV    = "csv"
)
