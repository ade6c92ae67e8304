package jobs

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/orchestrator/internal/domain/ids"
	"github.com/reelworks/orchestrator/internal/events"
	"github.com/rs/zerolog"
)

// Notifier delivers terminal-state callbacks. Delivery retries belong to
// the transport, not to this engine.
type Notifier interface {
	NotifyTerminal(ctx context.Context, job *BulkJob) error
}

// Clock abstracts time for tests.
type Clock func() time.Time

// Config tunes the orchestration service.
type Config struct {
	// IdempotencyWindow is how long a creation key dedupes repeats.
	IdempotencyWindow time.Duration
	// HandshakeTimeout bounds the pausing state before it falls back to
	// running.
	HandshakeTimeout time.Duration
	// CancelGrace is how long in-flight items may run after a cancel
	// signal before they are force-marked canceled.
	CancelGrace time.Duration
	// CASMaxAttempts bounds optimistic-update retries per operation.
	CASMaxAttempts int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		IdempotencyWindow: 24 * time.Hour,
		HandshakeTimeout:  30 * time.Second,
		CancelGrace:       30 * time.Second,
		CASMaxAttempts:    5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = d.IdempotencyWindow
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.CASMaxAttempts <= 0 {
		c.CASMaxAttempts = d.CASMaxAttempts
	}
	return c
}

// Service is the bulk-job orchestration core: idempotent creation, state
// transitions, progress aggregation, and event publication. All mutations
// of one job funnel through a per-job lock plus the registry's optimistic
// version check, giving single-writer discipline per entity.
type Service struct {
	repo     Repository
	bus      *events.Bus
	notifier Notifier
	clock    Clock
	logger   zerolog.Logger
	cfg      Config
	locks    *keyedMutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the terminal-state callback transport.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithClock overrides the time source.
func WithClock(c Clock) ServiceOption {
	return func(s *Service) { s.clock = c }
}

// WithConfig overrides the tunables.
func WithConfig(cfg Config) ServiceOption {
	return func(s *Service) { s.cfg = cfg.withDefaults() }
}

// NewService creates the orchestration service.
func NewService(repo Repository, bus *events.Bus, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		bus:    bus,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
		cfg:    DefaultConfig(),
		locks:  newKeyedMutex(128),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective tunables.
func (s *Service) Config() Config { return s.cfg }

// CreateJobInput is a validated job-creation request.
type CreateJobInput struct {
	TenantID             string
	IdempotencyKey       string
	CallbackURL          string
	ProcessingDeadlineMS int64
	Source               *SourceRef
	Rows                 []ItemSeed
}

func (in CreateJobInput) validate() error {
	if in.TenantID == "" {
		return ValidationError{Field: "tenant_id", Message: "required"}
	}
	if in.Source == nil && len(in.Rows) == 0 {
		return ValidationError{Field: "rows", Message: "either rows or source is required"}
	}
	if in.Source != nil && len(in.Rows) > 0 {
		return ValidationError{Field: "rows", Message: "rows and source are mutually exclusive"}
	}
	if in.ProcessingDeadlineMS < 0 {
		return ValidationError{Field: "processing_deadline_ms", Message: "must not be negative"}
	}
	if in.CallbackURL != "" {
		if _, err := url.ParseRequestURI(in.CallbackURL); err != nil {
			return ValidationError{Field: "callback_url", Message: "must be a valid URL"}
		}
	}
	return nil
}

// CreateJob creates a job in pending, deduplicating on the tenant-scoped
// idempotency key. The second return is false when an existing job was
// returned for a repeated key.
func (s *Service) CreateJob(ctx context.Context, in CreateJobInput) (*BulkJob, bool, error) {
	if err := in.validate(); err != nil {
		return nil, false, err
	}

	now := s.clock()

	if in.IdempotencyKey == "" {
		job, err := s.insertJob(ctx, in, now)
		if err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	hash, err := HashPayload(in)
	if err != nil {
		return nil, false, fmt.Errorf("hash payload: %w", err)
	}

	// Serialize same-key creates in process; the unique key record guards
	// against other processes.
	unlock := s.locks.lock(in.TenantID + "\x00" + in.IdempotencyKey)
	defer unlock()

	existing, err := s.repo.GetIdempotencyKey(ctx, in.TenantID, in.IdempotencyKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil && existing.ExpiresAt.After(now) {
		if existing.PayloadHash != hash {
			return nil, false, ErrIdempotencyConflict
		}
		job, err := s.repo.GetJob(ctx, existing.JobID)
		if err != nil {
			return nil, false, fmt.Errorf("load deduplicated job: %w", err)
		}
		return job, false, nil
	}

	jobID, err := ids.NewULID()
	if err != nil {
		return nil, false, err
	}

	// Claim the key before the job exists so a concurrent create in
	// another process loses cleanly at the unique index.
	record := &IdempotencyKey{
		TenantID:    in.TenantID,
		Key:         in.IdempotencyKey,
		PayloadHash: hash,
		JobID:       jobID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.IdempotencyWindow),
	}
	if err := s.repo.InsertIdempotencyKey(ctx, record); err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			winner, lookupErr := s.repo.GetIdempotencyKey(ctx, in.TenantID, in.IdempotencyKey)
			if lookupErr == nil && winner.PayloadHash == hash {
				job, jobErr := s.repo.GetJob(ctx, winner.JobID)
				if jobErr == nil {
					return job, false, nil
				}
			}
			return nil, false, ErrIdempotencyConflict
		}
		return nil, false, fmt.Errorf("claim idempotency key: %w", err)
	}

	job, err := s.insertJobWithID(ctx, in, jobID, now)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *Service) insertJob(ctx context.Context, in CreateJobInput, now time.Time) (*BulkJob, error) {
	jobID, err := ids.NewULID()
	if err != nil {
		return nil, err
	}
	return s.insertJobWithID(ctx, in, jobID, now)
}

func (s *Service) insertJobWithID(ctx context.Context, in CreateJobInput, jobID string, now time.Time) (*BulkJob, error) {
	job := &BulkJob{
		ID:                   jobID,
		TenantID:             in.TenantID,
		State:                JobStatePending,
		IdempotencyKey:       in.IdempotencyKey,
		CallbackURL:          in.CallbackURL,
		ProcessingDeadlineMS: in.ProcessingDeadlineMS,
		Source:               in.Source,
		CreatedAt:            now,
		UpdatedAt:            now,
		StateChangedAt:       now,
	}
	if len(in.Rows) > 0 {
		rows, err := encodeRows(in.Rows)
		if err != nil {
			return nil, err
		}
		job.InputRows = rows
		job.Source = &SourceRef{Kind: "inline"}
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.publish(ctx, events.TypeJobCreated, job, map[string]any{
		"job": jobSnapshot(job),
	})
	s.logger.Info().Str("job_id", job.ID).Str("tenant", job.TenantID).Msg("job created")
	return job, nil
}

// GetJob returns a tenant's job.
func (s *Service) GetJob(ctx context.Context, tenantID, id string) (*BulkJob, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return job, nil
}

// ListJobs pages a tenant's jobs by (created_at, id) descending.
func (s *Service) ListJobs(ctx context.Context, tenantID string, p Pagination) (JobPage, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 200 {
		p.Limit = 200
	}
	return s.repo.ListJobs(ctx, tenantID, p)
}

// ListItems pages one job's items by (row_index, id) ascending.
func (s *Service) ListItems(ctx context.Context, tenantID string, q ItemQuery) (ItemPage, error) {
	if _, err := s.GetJob(ctx, tenantID, q.JobID); err != nil {
		return ItemPage{}, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	return s.repo.ListItems(ctx, q)
}

// GetItem returns one item without tenant scoping; internal collaborators
// (dispatcher, worker pool) address items by ID.
func (s *Service) GetItem(ctx context.Context, id string) (*Item, error) {
	return s.repo.GetItem(ctx, id)
}

// PurgeExpiredIdempotencyKeys removes creation keys past their retention
// window. Returns how many were removed.
func (s *Service) PurgeExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpiredIdempotencyKeys(ctx, s.clock())
}

func encodeRows(rows []ItemSeed) ([]byte, error) {
	for i := range rows {
		rows[i].RowIndex = i
	}
	encoded, err := marshalRows(rows)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return encoded, nil
}

func (s *Service) publish(ctx context.Context, eventType string, job *BulkJob, data map[string]any) {
	correlation := events.CorrelationID(ctx)
	if correlation == "" {
		correlation = uuid.New().String()
	}
	s.bus.Publish(events.Envelope{
		Type:          eventType,
		Timestamp:     s.clock(),
		CorrelationID: correlation,
		TenantID:      job.TenantID,
		JobID:         job.ID,
		Data:          data,
	})
}

func jobSnapshot(job *BulkJob) map[string]any {
	snapshot := map[string]any{
		"id":                           job.ID,
		"tenant_id":                    job.TenantID,
		"state":                        string(job.State),
		"items_total":                  job.Counts.Total,
		"items_completed":              job.Counts.Completed,
		"items_failed":                 job.Counts.Failed,
		"items_skipped":                job.Counts.Skipped,
		"items_canceled":               job.Counts.Canceled,
		"items_pending":                job.Counts.Pending,
		"items_processing":             job.Counts.Processing,
		"percent_complete":             job.PercentComplete(),
		"time_to_start_ms":             job.TimeToStartMS,
		"time_processing_ms":           job.TimeProcessingMS,
		"average_duration_ms_per_item": job.AvgItemDurationMS,
		"eta_ms":                       job.EtaMS,
		"rate_limited":                 job.RateLimited,
	}
	if job.ErrorCode != "" {
		snapshot["error_code"] = job.ErrorCode
		snapshot["error_message"] = job.ErrorMessage
	}
	return snapshot
}

func itemSnapshot(item *Item) map[string]any {
	snapshot := map[string]any{
		"id":               item.ID,
		"job_id":           item.JobID,
		"state":            string(item.State),
		"row_index":        item.RowIndex,
		"percent_complete": item.PercentComplete,
	}
	if item.Title != "" {
		snapshot["title"] = item.Title
	}
	if len(item.Errors) > 0 {
		snapshot["error"] = item.Errors[len(item.Errors)-1]
	}
	return snapshot
}
