// Package dispatch drives jobs through their lifecycle: it starts pending
// jobs, materializes their items from the input source, claims pending
// items up to the configured concurrency ceilings, and runs the periodic
// sweeps for stale heartbeats, deadlines, and pause/cancel handshakes.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/metrics"
	"github.com/reelworks/orchestrator/internal/source"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config tunes the dispatcher loops.
type Config struct {
	// PollInterval is the cadence of the start/claim loop.
	PollInterval time.Duration
	// SweepInterval is the cadence of the handshake and deadline sweeps.
	SweepInterval time.Duration
	// ProgressInterval is the cadence of periodic progress snapshots for
	// running jobs.
	ProgressInterval time.Duration
	// HeartbeatTimeout fails processing items whose last heartbeat is
	// older than this.
	HeartbeatTimeout time.Duration

	// MaxConcurrentPerJob caps the processing items of one job.
	MaxConcurrentPerJob int
	// MaxConcurrentPerTenant caps processing items across all of one
	// tenant's running jobs.
	MaxConcurrentPerTenant int

	// TenantItemsPerMinute is the per-tenant dispatch rate. Zero disables
	// rate limiting.
	TenantItemsPerMinute int
	// TenantBurst is the token bucket burst size.
	TenantBurst int
}

func DefaultConfig() Config {
	return Config{
		PollInterval:           time.Second,
		SweepInterval:          5 * time.Second,
		ProgressInterval:       2 * time.Second,
		HeartbeatTimeout:       60 * time.Second,
		MaxConcurrentPerJob:    8,
		MaxConcurrentPerTenant: 32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxConcurrentPerJob <= 0 {
		c.MaxConcurrentPerJob = d.MaxConcurrentPerJob
	}
	if c.MaxConcurrentPerTenant <= 0 {
		c.MaxConcurrentPerTenant = d.MaxConcurrentPerTenant
	}
	return c
}

// Dispatcher owns the background loops of the orchestration engine. One
// instance runs per process; all state lives in the Job Registry, so the
// loops are restart-safe.
type Dispatcher struct {
	svc      *jobs.Service
	repo     jobs.Repository
	sources  *source.Registry
	pool     WorkerPool
	limiters *tenantLimiters
	cfg      Config
	clock    jobs.Clock
	logger   zerolog.Logger
}

func New(svc *jobs.Service, repo jobs.Repository, sources *source.Registry, pool WorkerPool, cfg Config, logger zerolog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		svc:      svc,
		repo:     repo,
		sources:  sources,
		pool:     pool,
		limiters: newTenantLimiters(cfg.TenantItemsPerMinute, cfg.TenantBurst),
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
}

// WithClock overrides the time source for tests.
func (d *Dispatcher) WithClock(c jobs.Clock) *Dispatcher {
	d.clock = c
	return d
}

// Run blocks until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.limiters.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.loop(ctx, d.cfg.PollInterval, d.Tick) })
	g.Go(func() error { return d.loop(ctx, d.cfg.SweepInterval, d.Sweep) })
	g.Go(func() error { return d.loop(ctx, d.cfg.HeartbeatTimeout/2, d.SweepHeartbeats) })
	g.Go(func() error { return d.loop(ctx, d.cfg.ProgressInterval, d.SnapshotProgress) })

	d.logger.Info().
		Dur("poll_interval", d.cfg.PollInterval).
		Int("max_per_job", d.cfg.MaxConcurrentPerJob).
		Int("max_per_tenant", d.cfg.MaxConcurrentPerTenant).
		Msg("dispatcher started")

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (d *Dispatcher) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Tick runs one start/claim pass. Exported so tests can step the
// dispatcher without real timers.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.startPendingJobs(ctx)
	d.claimItems(ctx)
}

func (d *Dispatcher) startPendingJobs(ctx context.Context) {
	pending, err := d.repo.ListJobsInState(ctx, jobs.JobStatePending, 100)
	if err != nil {
		d.logger.Error().Err(err).Msg("list pending jobs")
		return
	}

	for _, job := range pending {
		if _, err := d.svc.StartJob(ctx, job.ID); err != nil {
			if stateConflict(err) {
				continue
			}
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("start job")
			continue
		}
		d.materialize(ctx, job.ID)
	}
}

func (d *Dispatcher) materialize(ctx context.Context, jobID string) {
	job, err := d.repo.GetJob(ctx, jobID)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("load job for materialization")
		return
	}

	reader, err := d.sources.Resolve(job)
	if err != nil {
		d.failJob(ctx, jobID, jobs.ErrorCodeSourceUnavailable, err)
		return
	}

	seeds, err := reader.ProduceItems(ctx, job)
	if err != nil {
		d.failJob(ctx, jobID, jobs.ErrorCodeSourceUnavailable, err)
		return
	}

	if err := d.svc.MaterializeItems(ctx, jobID, seeds); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("materialize items")
	}
}

func (d *Dispatcher) failJob(ctx context.Context, jobID, code string, cause error) {
	d.logger.Warn().Err(cause).Str("job_id", jobID).Str("code", code).Msg("failing job")
	if err := d.svc.FailJob(ctx, jobID, code, cause.Error()); err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("fail job")
	}
}

func (d *Dispatcher) claimItems(ctx context.Context) {
	running, err := d.repo.ListJobsInState(ctx, jobs.JobStateRunning, 500)
	if err != nil {
		d.logger.Error().Err(err).Msg("list running jobs")
		return
	}

	tenantInFlight := make(map[string]int)
	for _, job := range running {
		tenantInFlight[job.TenantID] += job.Counts.Processing
	}

	limitedNow := make(map[string]bool)
	for _, job := range running {
		capacity := d.cfg.MaxConcurrentPerJob - job.Counts.Processing
		if capacity <= 0 || job.Counts.Pending == 0 {
			continue
		}
		if room := d.cfg.MaxConcurrentPerTenant - tenantInFlight[job.TenantID]; room < capacity {
			capacity = room
		}
		if capacity <= 0 {
			continue
		}

		claimed, limited := d.claimForJob(ctx, job, capacity)
		tenantInFlight[job.TenantID] += claimed
		if limited {
			limitedNow[job.TenantID] = true
		}
	}

	// Flip the rate_limited flag per tenant once per pass so every running
	// job of a throttled tenant reports it.
	seen := make(map[string]bool)
	limited := 0
	for _, job := range running {
		if seen[job.TenantID] {
			continue
		}
		seen[job.TenantID] = true
		if limitedNow[job.TenantID] {
			limited++
		}
		if err := d.svc.SetTenantRateLimited(ctx, job.TenantID, limitedNow[job.TenantID]); err != nil {
			d.logger.Error().Err(err).Str("tenant_id", job.TenantID).Msg("set rate limited flag")
		}
	}
	metrics.TenantsRateLimited.Set(float64(limited))
}

// claimForJob marks up to capacity pending items processing and hands them
// to the pool. It reports how many were claimed and whether the tenant's
// rate limit stopped the pass early.
func (d *Dispatcher) claimForJob(ctx context.Context, job *jobs.BulkJob, capacity int) (int, bool) {
	page, err := d.repo.ListItems(ctx, jobs.ItemQuery{
		JobID: job.ID,
		State: jobs.ItemStatePending,
		Limit: capacity,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("list pending items")
		return 0, false
	}

	claimed := 0
	for _, item := range page.Items {
		if !d.limiters.allow(job.TenantID) {
			return claimed, true
		}

		marked, err := d.svc.MarkItemProcessing(ctx, item.ID)
		if err != nil {
			if stateConflict(err) {
				continue
			}
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("mark item processing")
			continue
		}
		if err := d.pool.Dispatch(ctx, marked); err != nil {
			d.logger.Error().Err(err).Str("item_id", item.ID).Msg("dispatch item")
			return claimed, false
		}
		metrics.ItemsClaimedTotal.Inc()
		claimed++
	}
	return claimed, false
}

// Sweep resolves pause and cancel handshakes and enforces processing
// deadlines.
func (d *Dispatcher) Sweep(ctx context.Context) {
	d.sweepState(ctx, jobs.JobStatePausing, d.svc.ResolvePause)
	d.sweepState(ctx, jobs.JobStateCanceling, d.svc.ResolveCancel)
	d.sweepDeadlines(ctx)
}

func (d *Dispatcher) sweepState(ctx context.Context, state jobs.JobState, resolve func(context.Context, string) error) {
	list, err := d.repo.ListJobsInState(ctx, state, 500)
	if err != nil {
		d.logger.Error().Err(err).Str("state", string(state)).Msg("list jobs for sweep")
		return
	}
	for _, job := range list {
		if err := resolve(ctx, job.ID); err != nil && !stateConflict(err) {
			d.logger.Error().Err(err).Str("job_id", job.ID).Str("state", string(state)).Msg("resolve handshake")
		}
	}
}

func (d *Dispatcher) sweepDeadlines(ctx context.Context) {
	for _, state := range []jobs.JobState{jobs.JobStateRunning, jobs.JobStatePausing, jobs.JobStatePaused} {
		list, err := d.repo.ListJobsInState(ctx, state, 500)
		if err != nil {
			d.logger.Error().Err(err).Str("state", string(state)).Msg("list jobs for deadline sweep")
			return
		}
		for _, job := range list {
			if job.ProcessingDeadlineMS <= 0 {
				continue
			}
			if err := d.svc.EnforceDeadline(ctx, job.ID); err != nil && !stateConflict(err) {
				d.logger.Error().Err(err).Str("job_id", job.ID).Msg("enforce deadline")
			}
		}
	}
}

// SweepHeartbeats fails processing items whose heartbeat went stale.
func (d *Dispatcher) SweepHeartbeats(ctx context.Context) {
	cutoff := d.clock().Add(-d.cfg.HeartbeatTimeout)
	stale, err := d.repo.ListStaleProcessing(ctx, cutoff, 500)
	if err != nil {
		d.logger.Error().Err(err).Msg("list stale items")
		return
	}
	for _, item := range stale {
		d.logger.Warn().Str("item_id", item.ID).Str("job_id", item.JobID).Msg("heartbeat timeout")
		if err := d.svc.FailStaleItem(ctx, item.ID); err != nil {
			if !stateConflict(err) {
				d.logger.Error().Err(err).Str("item_id", item.ID).Msg("fail stale item")
			}
			continue
		}
		metrics.HeartbeatTimeoutsTotal.Inc()
	}
}

// SnapshotProgress publishes a progress event for every running job so
// subscribers see derived metrics move even between item settlements.
func (d *Dispatcher) SnapshotProgress(ctx context.Context) {
	running, err := d.repo.ListJobsInState(ctx, jobs.JobStateRunning, 500)
	if err != nil {
		d.logger.Error().Err(err).Msg("list running jobs for progress")
		return
	}
	for _, job := range running {
		d.svc.PublishProgress(ctx, job)
	}
}

func stateConflict(err error) bool {
	var conflict jobs.StateConflictError
	return errors.As(err, &conflict) || errors.Is(err, jobs.ErrVersionConflict) || errors.Is(err, jobs.ErrNotFound)
}
