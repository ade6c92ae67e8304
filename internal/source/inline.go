package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

// InlineReader materializes items from rows carried in the create payload
// and stored on the job record.
type InlineReader struct{}

func (InlineReader) ProduceItems(_ context.Context, job *jobs.BulkJob) ([]jobs.ItemSeed, error) {
	if len(job.InputRows) == 0 {
		return nil, nil
	}
	var seeds []jobs.ItemSeed
	if err := json.Unmarshal(job.InputRows, &seeds); err != nil {
		return nil, fmt.Errorf("decode inline rows: %w", err)
	}
	for i := range seeds {
		seeds[i].RowIndex = i
	}
	return seeds, nil
}
