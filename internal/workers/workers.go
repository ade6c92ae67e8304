package workers

import (
	"context"
	"errors"
	"fmt"

	"github.com/reelworks/orchestrator/internal/dispatch"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/webhook"
	"github.com/riverqueue/river"
)

// ItemRenderArgs executes one claimed item.
type ItemRenderArgs struct {
	ItemID string `json:"item_id"`
}

func (ItemRenderArgs) Kind() string { return JobKindItemRender }

func (ItemRenderArgs) InsertOpts() river.InsertOpts {
	opts := InsertOptsForKind(JobKindItemRender)
	opts.Queue = QueueRender
	return opts
}

// ItemRenderWorker runs the renderer for one item and settles it. Render
// errors surface to River for retry; the final failed attempt settles the
// item as failed so the job is never stuck on a poisoned row.
type ItemRenderWorker struct {
	river.WorkerDefaults[ItemRenderArgs]
	Service  *jobs.Service
	Renderer dispatch.Renderer
}

func (ItemRenderWorker) Kind() string { return JobKindItemRender }

func (w ItemRenderWorker) Work(ctx context.Context, job *river.Job[ItemRenderArgs]) error {
	if w.Service == nil || w.Renderer == nil {
		return fmt.Errorf("item render worker not configured")
	}

	item, err := w.Service.GetItem(ctx, job.Args.ItemID)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load item: %w", err)
	}
	// The item may have been canceled or force-failed between claim and
	// execution.
	if item.State != jobs.ItemStateProcessing {
		return nil
	}

	progress := func(percent float64) {
		_ = w.Service.Heartbeat(ctx, item.ID, percent)
	}

	artifacts, renderErr := w.Renderer.RenderItem(ctx, item, progress)
	switch {
	case renderErr == nil:
		return w.Service.CompleteItem(ctx, item.ID, artifacts)
	case errors.Is(renderErr, dispatch.ErrSkip):
		return w.Service.SkipItem(ctx, item.ID)
	}

	if job.Attempt >= job.MaxAttempts {
		code, class := renderCode(renderErr)
		if err := w.Service.FailItem(ctx, item.ID, code, renderErr.Error(), class); err != nil {
			return fmt.Errorf("settle failed item: %w", err)
		}
		return nil
	}
	return renderErr
}

func renderCode(err error) (code, class string) {
	var renderErr *dispatch.RenderError
	if errors.As(err, &renderErr) {
		return renderErr.Code, renderErr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "render_timeout", jobs.ErrorClassTimeout
	}
	return "render_failed", jobs.ErrorClassInternal
}

// WebhookDeliveryArgs delivers the terminal callback for one job.
type WebhookDeliveryArgs struct {
	TenantID string `json:"tenant_id"`
	JobID    string `json:"job_id"`
}

func (WebhookDeliveryArgs) Kind() string { return JobKindWebhookDelivery }

func (WebhookDeliveryArgs) InsertOpts() river.InsertOpts {
	return InsertOptsForKind(JobKindWebhookDelivery)
}

type WebhookDeliveryWorker struct {
	river.WorkerDefaults[WebhookDeliveryArgs]
	Service *jobs.Service
	Sender  *webhook.Sender
}

func (WebhookDeliveryWorker) Kind() string { return JobKindWebhookDelivery }

func (w WebhookDeliveryWorker) Work(ctx context.Context, job *river.Job[WebhookDeliveryArgs]) error {
	if w.Service == nil || w.Sender == nil {
		return fmt.Errorf("webhook delivery worker not configured")
	}

	record, err := w.Service.GetJob(ctx, job.Args.TenantID, job.Args.JobID)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	return w.Sender.Deliver(ctx, record)
}

// IdempotencyCleanupArgs purges expired idempotency keys.
type IdempotencyCleanupArgs struct{}

func (IdempotencyCleanupArgs) Kind() string { return JobKindIdempotencyCleanup }

type IdempotencyCleanupWorker struct {
	river.WorkerDefaults[IdempotencyCleanupArgs]
	Service *jobs.Service
}

func (IdempotencyCleanupWorker) Kind() string { return JobKindIdempotencyCleanup }

func (w IdempotencyCleanupWorker) Work(ctx context.Context, job *river.Job[IdempotencyCleanupArgs]) error {
	if w.Service == nil {
		return fmt.Errorf("idempotency cleanup worker not configured")
	}
	_, err := w.Service.PurgeExpiredIdempotencyKeys(ctx)
	if err != nil {
		return fmt.Errorf("purge idempotency keys: %w", err)
	}
	return nil
}

// NewWorkers registers the full worker set.
func NewWorkers(svc *jobs.Service, renderer dispatch.Renderer, sender *webhook.Sender) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[ItemRenderArgs](workers, ItemRenderWorker{Service: svc, Renderer: renderer})
	river.AddWorker[WebhookDeliveryArgs](workers, WebhookDeliveryWorker{Service: svc, Sender: sender})
	river.AddWorker[IdempotencyCleanupArgs](workers, IdempotencyCleanupWorker{Service: svc})
	return workers
}
