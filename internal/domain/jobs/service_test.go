package jobs_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/events"
	"github.com/reelworks/orchestrator/internal/metrics"
	"github.com/reelworks/orchestrator/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo *memory.Repository
	bus  *events.Bus
	svc  *jobs.Service
	now  time.Time
}

func newFixture(t *testing.T, opts ...jobs.ServiceOption) *fixture {
	t.Helper()
	f := &fixture{
		repo: memory.NewRepository(),
		bus:  events.New(zerolog.Nop()),
		now:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	base := []jobs.ServiceOption{jobs.WithClock(func() time.Time { return f.now })}
	f.svc = jobs.NewService(f.repo, f.bus, zerolog.Nop(), append(base, opts...)...)
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func seedRows(n int) []jobs.ItemSeed {
	rows := make([]jobs.ItemSeed, n)
	for i := range rows {
		rows[i] = jobs.ItemSeed{Title: "row", Payload: json.RawMessage(`{"n":1}`)}
	}
	return rows
}

// createRunningJob creates a job with n inline rows, starts it, and
// materializes its items.
func createRunningJob(t *testing.T, f *fixture, n int) (*jobs.BulkJob, []*jobs.Item) {
	t.Helper()
	ctx := context.Background()

	job, created, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID: "acme",
		Rows:     seedRows(n),
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.svc.StartJob(ctx, job.ID)
	require.NoError(t, err)

	seeds := make([]jobs.ItemSeed, n)
	for i := range seeds {
		seeds[i] = jobs.ItemSeed{RowIndex: i, Title: "row"}
	}
	require.NoError(t, f.svc.MaterializeItems(ctx, job.ID, seeds))

	page, err := f.svc.ListItems(ctx, "acme", jobs.ItemQuery{JobID: job.ID, Limit: n + 1})
	require.NoError(t, err)
	require.Len(t, page.Items, n)

	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	return job, page.Items
}

func TestCreateJobValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		input jobs.CreateJobInput
		field string
	}{
		{"missing tenant", jobs.CreateJobInput{Rows: seedRows(1)}, "tenant_id"},
		{"no rows and no source", jobs.CreateJobInput{TenantID: "acme"}, "rows"},
		{"rows and source both", jobs.CreateJobInput{TenantID: "acme", Rows: seedRows(1), Source: &jobs.SourceRef{Kind: "csv"}}, "rows"},
		{"negative deadline", jobs.CreateJobInput{TenantID: "acme", Rows: seedRows(1), ProcessingDeadlineMS: -1}, "processing_deadline_ms"},
		{"bad callback url", jobs.CreateJobInput{TenantID: "acme", Rows: seedRows(1), CallbackURL: "::bad"}, "callback_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.CreateJob(ctx, tt.input)
			var verr jobs.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateJobIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(2),
	}

	first, created, err := f.svc.CreateJob(ctx, input)
	require.NoError(t, err)
	require.True(t, created)

	replay, created, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(2),
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, replay.ID)
}

func TestCreateJobIdempotencyConflictOnDifferentPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(2),
	})
	require.NoError(t, err)

	_, _, err = f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(3),
	})
	require.ErrorIs(t, err, jobs.ErrIdempotencyConflict)
}

func TestCreateJobIdempotencyKeyIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(2),
	})
	require.NoError(t, err)

	second, created, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "globex",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(2),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)
}

func TestCreateJobIdempotencyWindowExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(2),
	})
	require.NoError(t, err)

	f.advance(25 * time.Hour)

	second, created, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-42",
		Rows:           seedRows(2),
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, second.ID)
}

func TestJobLifecycleHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, items := createRunningJob(t, f, 3)
	require.Equal(t, jobs.JobStateRunning, job.State)
	require.Equal(t, 3, job.Counts.Pending)

	sub := f.bus.SubscribeLive(job.ID)
	defer sub.Close()

	for _, item := range items {
		_, err := f.svc.MarkItemProcessing(ctx, item.ID)
		require.NoError(t, err)
		f.advance(2 * time.Second)
		require.NoError(t, f.svc.CompleteItem(ctx, item.ID, []jobs.Artifact{{Kind: "render", URL: "https://cdn.example/" + item.ID}}))
	}

	job, err := f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCompleted, job.State)
	require.Equal(t, 3, job.Counts.Completed)
	require.Equal(t, float64(100), job.PercentComplete())
	require.NotNil(t, job.FinishedAt)
	require.NoError(t, jobs.CheckCounterInvariant(job))

	// Sequences on the subscription are strictly increasing.
	var last uint64
	for {
		select {
		case env := <-sub.C():
			require.Greater(t, env.Sequence, last)
			last = env.Sequence
		default:
			require.NotZero(t, last)
			return
		}
	}
}

func TestPartialFailureStillCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, items := createRunningJob(t, f, 4)

	for i, item := range items {
		_, err := f.svc.MarkItemProcessing(ctx, item.ID)
		require.NoError(t, err)
		f.advance(time.Second)
		if i%2 == 0 {
			require.NoError(t, f.svc.CompleteItem(ctx, item.ID, nil))
		} else {
			require.NoError(t, f.svc.FailItem(ctx, item.ID, "render_failed", "boom", jobs.ErrorClassInternal))
		}
	}

	job, err := f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCompleted, job.State)
	require.Equal(t, 2, job.Counts.Completed)
	require.Equal(t, 2, job.Counts.Failed)
	require.Equal(t, float64(50), job.PercentComplete())
	require.Empty(t, job.ErrorCode)
}

func TestSkippedItemsCountTowardCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, items := createRunningJob(t, f, 2)

	require.NoError(t, f.svc.SkipItem(ctx, items[0].ID))
	_, err := f.svc.MarkItemProcessing(ctx, items[1].ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.CompleteItem(ctx, items[1].ID, nil))

	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCompleted, job.State)
	require.Equal(t, 1, job.Counts.Skipped)
	require.Equal(t, float64(100), job.PercentComplete())
}

func TestCancelWithOnlyPendingItemsSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _ := createRunningJob(t, f, 3)

	canceled, err := f.svc.CancelJob(ctx, "acme", job.ID, "user_request")
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCanceled, canceled.State)
	require.Equal(t, 3, canceled.Counts.Canceled)
	require.Equal(t, 0, canceled.Counts.Pending)
	require.NoError(t, jobs.CheckCounterInvariant(canceled))
}

func TestCancelWaitsForInFlightItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, items := createRunningJob(t, f, 2)

	_, err := f.svc.MarkItemProcessing(ctx, items[0].ID)
	require.NoError(t, err)

	canceling, err := f.svc.CancelJob(ctx, "acme", job.ID, "user_request")
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCanceling, canceling.State)
	require.Equal(t, 1, canceling.Counts.Processing)
	require.Equal(t, 1, canceling.Counts.Canceled)

	// The in-flight item acknowledges the signal by settling.
	require.NoError(t, f.svc.FailItem(ctx, items[0].ID, "canceled", "worker acknowledged cancel", jobs.ErrorClassInternal))

	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCanceled, job.State)
}

func TestCancelGraceForceMarksStragglers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, items := createRunningJob(t, f, 1)

	_, err := f.svc.MarkItemProcessing(ctx, items[0].ID)
	require.NoError(t, err)

	_, err = f.svc.CancelJob(ctx, "acme", job.ID, "user_request")
	require.NoError(t, err)

	f.advance(time.Minute)
	require.NoError(t, f.svc.ResolveCancel(ctx, job.ID))

	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCanceled, job.State)
	require.Equal(t, 1, job.Counts.Canceled)
}

func TestCancelTerminalJobConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _ := createRunningJob(t, f, 1)
	_, err := f.svc.CancelJob(ctx, "acme", job.ID, "")
	require.NoError(t, err)

	_, err = f.svc.CancelJob(ctx, "acme", job.ID, "")
	var conflict jobs.StateConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "canceled", conflict.From)
}

func TestPauseResumeHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, items := createRunningJob(t, f, 2)
	_, err := f.svc.MarkItemProcessing(ctx, items[0].ID)
	require.NoError(t, err)

	pausing, err := f.svc.PauseJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStatePausing, pausing.State)

	// In-flight work holds the pause open.
	require.NoError(t, f.svc.ResolvePause(ctx, job.ID))
	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStatePausing, job.State)

	// Once it drains, the pause settles.
	require.NoError(t, f.svc.CompleteItem(ctx, items[0].ID, nil))
	require.NoError(t, f.svc.ResolvePause(ctx, job.ID))
	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStatePaused, job.State)

	resumed, err := f.svc.ResumeJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateRunning, resumed.State)
}

func TestPauseHandshakeTimeoutFallsBackToRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, items := createRunningJob(t, f, 1)
	_, err := f.svc.MarkItemProcessing(ctx, items[0].ID)
	require.NoError(t, err)

	_, err = f.svc.PauseJob(ctx, "acme", job.ID)
	require.NoError(t, err)

	f.advance(time.Minute)
	require.NoError(t, f.svc.ResolvePause(ctx, job.ID))

	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateRunning, job.State)
}

func TestFailJobSettlesToFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _ := createRunningJob(t, f, 2)

	require.NoError(t, f.svc.FailJob(ctx, job.ID, jobs.ErrorCodeSourceUnavailable, "source went away"))

	job, err := f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateFailed, job.State)
	require.Equal(t, jobs.ErrorCodeSourceUnavailable, job.ErrorCode)
	require.Equal(t, 2, job.Counts.Canceled)
}

func TestMaterializeZeroItemsCompletesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, created, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID: "acme",
		Source:   &jobs.SourceRef{Kind: "csv", URI: "file:///tmp/empty.csv"},
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.svc.StartJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.MaterializeItems(ctx, job.ID, nil))

	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCompleted, job.State)
	require.Equal(t, 0, job.Counts.Total)
}

func TestHeartbeatProgressIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, items := createRunningJob(t, f, 1)
	_, err := f.svc.MarkItemProcessing(ctx, items[0].ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Heartbeat(ctx, items[0].ID, 40))
	require.NoError(t, f.svc.Heartbeat(ctx, items[0].ID, 25))

	item, err := f.svc.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, float64(40), item.PercentComplete)
}

func TestHeartbeatOnSettledItemConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, items := createRunningJob(t, f, 1)
	_, err := f.svc.MarkItemProcessing(ctx, items[0].ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.CompleteItem(ctx, items[0].ID, nil))

	err = f.svc.Heartbeat(ctx, items[0].ID, 50)
	var conflict jobs.StateConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestEnforceDeadlineCancelsOverdueJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, created, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:             "acme",
		Rows:                 seedRows(2),
		ProcessingDeadlineMS: 5000,
	})
	require.NoError(t, err)
	require.True(t, created)

	_, err = f.svc.StartJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.MaterializeItems(ctx, job.ID, []jobs.ItemSeed{{RowIndex: 0}, {RowIndex: 1}}))

	// Before the deadline nothing happens.
	require.NoError(t, f.svc.EnforceDeadline(ctx, job.ID))
	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateRunning, job.State)

	f.advance(6 * time.Second)
	require.NoError(t, f.svc.EnforceDeadline(ctx, job.ID))

	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.JobStateCanceled, job.State)
	require.Equal(t, jobs.ErrorCodeDeadlineExceeded, job.ErrorCode)
}

func TestFailStaleItemRecordsTimeoutClass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, items := createRunningJob(t, f, 2)
	_, err := f.svc.MarkItemProcessing(ctx, items[0].ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.FailStaleItem(ctx, items[0].ID))

	item, err := f.svc.GetItem(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, jobs.ItemStateFailed, item.State)
	require.Len(t, item.Errors, 1)
	require.Equal(t, jobs.ErrorClassTimeout, item.Errors[0].Class)
}

func TestGetJobIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _ := createRunningJob(t, f, 1)

	_, err := f.svc.GetJob(ctx, "globex", job.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestSetTenantRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _ := createRunningJob(t, f, 1)

	require.NoError(t, f.svc.SetTenantRateLimited(ctx, "acme", true))
	job, err := f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.True(t, job.RateLimited)

	require.NoError(t, f.svc.SetTenantRateLimited(ctx, "acme", false))
	job, err = f.svc.GetJob(ctx, "acme", job.ID)
	require.NoError(t, err)
	require.False(t, job.RateLimited)
}

func TestPurgeExpiredIdempotencyKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{
		TenantID:       "acme",
		IdempotencyKey: "batch-1",
		Rows:           seedRows(1),
	})
	require.NoError(t, err)

	removed, err := f.svc.PurgeExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	f.advance(25 * time.Hour)
	removed, err = f.svc.PurgeExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

func TestListJobsPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := f.svc.CreateJob(ctx, jobs.CreateJobInput{TenantID: "acme", Rows: seedRows(1)})
		require.NoError(t, err)
		f.advance(time.Second)
	}

	page, err := f.svc.ListJobs(ctx, "acme", jobs.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 2)
	require.True(t, page.HasMore)

	// Newest first.
	require.True(t, page.Jobs[0].CreatedAt.After(page.Jobs[1].CreatedAt))

	last := page.Jobs[1]
	page2, err := f.svc.ListJobs(ctx, "acme", jobs.Pagination{
		Limit:        10,
		AfterCreated: last.CreatedAt,
		AfterID:      last.ID,
	})
	require.NoError(t, err)
	require.Len(t, page2.Jobs, 3)
	require.False(t, page2.HasMore)

	// No overlap across pages.
	seen := map[string]bool{page.Jobs[0].ID: true, page.Jobs[1].ID: true}
	for _, job := range page2.Jobs {
		require.False(t, seen[job.ID])
	}
}

func TestLifecycleRecordsMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	transitions := testutil.ToFloat64(metrics.JobTransitionsTotal.WithLabelValues("pending", "running"))
	completed := testutil.ToFloat64(metrics.ItemsSettledTotal.WithLabelValues("completed"))
	failed := testutil.ToFloat64(metrics.ItemsSettledTotal.WithLabelValues("failed"))
	samples := histogramSamples(t, metrics.ItemRenderDuration)

	_, items := createRunningJob(t, f, 2)

	for _, item := range items {
		_, err := f.svc.MarkItemProcessing(ctx, item.ID)
		require.NoError(t, err)
	}
	f.advance(2 * time.Second)
	require.NoError(t, f.svc.CompleteItem(ctx, items[0].ID, nil))
	require.NoError(t, f.svc.FailItem(ctx, items[1].ID, "render_failed", "boom", jobs.ErrorClassInternal))

	require.Equal(t, transitions+1, testutil.ToFloat64(metrics.JobTransitionsTotal.WithLabelValues("pending", "running")))
	require.Equal(t, completed+1, testutil.ToFloat64(metrics.ItemsSettledTotal.WithLabelValues("completed")))
	require.Equal(t, failed+1, testutil.ToFloat64(metrics.ItemsSettledTotal.WithLabelValues("failed")))
	require.Equal(t, samples+1, histogramSamples(t, metrics.ItemRenderDuration))
}

// histogramSamples reads the cumulative observation count of a histogram.
func histogramSamples(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var snap dto.Metric
	require.NoError(t, h.Write(&snap))
	return snap.GetHistogram().GetSampleCount()
}
