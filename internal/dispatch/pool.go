package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/rs/zerolog"
)

// ErrSkip tells the pool a row needs no work. Renderers return it
// (or wrap it) to settle the item as skipped instead of completed.
var ErrSkip = errors.New("item skipped")

// RenderError carries a machine-readable code and error class from a
// renderer into the item's error record.
type RenderError struct {
	Code  string
	Class string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Renderer performs the actual per-item work. The progress callback may be
// called at any cadence with a 0-100 percentage; the pool forwards it as a
// heartbeat.
type Renderer interface {
	RenderItem(ctx context.Context, item *jobs.Item, progress func(percent float64)) ([]jobs.Artifact, error)
}

// WorkerPool executes items the dispatcher has claimed. Dispatch blocks
// until the item is accepted or ctx is done; execution itself is
// asynchronous and reported back through the orchestration service.
type WorkerPool interface {
	Dispatch(ctx context.Context, item *jobs.Item) error
}

// LocalPool runs items on a fixed set of in-process goroutines. It backs
// the memory deployment mode and tests; durable deployments dispatch to a
// queue-backed pool instead.
type LocalPool struct {
	svc      *jobs.Service
	renderer Renderer
	tasks    chan *jobs.Item
	workers  int
	interval time.Duration
	logger   zerolog.Logger
}

// LocalPoolConfig tunes the in-process pool.
type LocalPoolConfig struct {
	Workers           int
	QueueDepth        int
	HeartbeatInterval time.Duration
}

func NewLocalPool(svc *jobs.Service, renderer Renderer, cfg LocalPoolConfig, logger zerolog.Logger) *LocalPool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = workers * 4
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &LocalPool{
		svc:      svc,
		renderer: renderer,
		tasks:    make(chan *jobs.Item, depth),
		workers:  workers,
		interval: interval,
		logger:   logger.With().Str("component", "local_pool").Logger(),
	}
}

// Dispatch queues an item for execution.
func (p *LocalPool) Dispatch(ctx context.Context, item *jobs.Item) error {
	select {
	case p.tasks <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is canceled and all workers have drained.
func (p *LocalPool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-p.tasks:
					p.execute(ctx, item)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (p *LocalPool) execute(ctx context.Context, item *jobs.Item) {
	var (
		mu      sync.Mutex
		percent float64
	)

	progress := func(pct float64) {
		mu.Lock()
		percent = pct
		mu.Unlock()
		if err := p.svc.Heartbeat(ctx, item.ID, pct); err != nil {
			p.logger.Debug().Err(err).Str("item_id", item.ID).Msg("heartbeat rejected")
		}
	}

	// Keep the heartbeat fresh even for renderers that never report
	// progress mid-flight.
	beatCtx, stopBeats := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-beatCtx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				pct := percent
				mu.Unlock()
				if err := p.svc.Heartbeat(beatCtx, item.ID, pct); err != nil {
					p.logger.Debug().Err(err).Str("item_id", item.ID).Msg("heartbeat rejected")
				}
			}
		}
	}()

	artifacts, err := p.renderer.RenderItem(ctx, item, progress)
	stopBeats()

	switch {
	case err == nil:
		if err := p.svc.CompleteItem(ctx, item.ID, artifacts); err != nil {
			p.logger.Error().Err(err).Str("item_id", item.ID).Msg("complete item failed")
		}
	case errors.Is(err, ErrSkip):
		if err := p.svc.SkipItem(ctx, item.ID); err != nil {
			p.logger.Error().Err(err).Str("item_id", item.ID).Msg("skip item failed")
		}
	default:
		code, class := classify(err)
		if err := p.svc.FailItem(ctx, item.ID, code, err.Error(), class); err != nil {
			p.logger.Error().Err(err).Str("item_id", item.ID).Msg("fail item failed")
		}
	}
}

func classify(err error) (code, class string) {
	var renderErr *RenderError
	if errors.As(err, &renderErr) {
		return renderErr.Code, renderErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "render_timeout", jobs.ErrorClassTimeout
	}
	return "render_failed", jobs.ErrorClassInternal
}
