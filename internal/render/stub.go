// Package render holds renderer implementations. The real content renderer
// is an external collaborator plugged in at process assembly; StubRenderer
// lets the engine run end to end in development.
package render

import (
	"context"
	"fmt"
	"time"

	"github.com/reelworks/orchestrator/internal/dispatch"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
)

// StubRenderer simulates per-item work: it reports progress in steps over
// Delay and emits one placeholder artifact.
type StubRenderer struct {
	// Delay is the total simulated render time per item.
	Delay time.Duration
}

func (r *StubRenderer) RenderItem(ctx context.Context, item *jobs.Item, progress func(percent float64)) ([]jobs.Artifact, error) {
	delay := r.Delay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}

	const steps = 4
	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay / steps):
		}
		if progress != nil {
			progress(float64(i) * 100 / steps)
		}
	}

	return []jobs.Artifact{{
		Kind: "render",
		URL:  fmt.Sprintf("stub://renders/%s", item.ID),
	}}, nil
}

var _ dispatch.Renderer = (*StubRenderer)(nil)
