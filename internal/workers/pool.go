package workers

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/reelworks/orchestrator/internal/dispatch"
	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/riverqueue/river"
)

// QueuePool hands claimed items to River. It is the durable counterpart
// of dispatch.LocalPool. The client is bound after construction because
// the River workers themselves need the service the pool feeds.
type QueuePool struct {
	client *river.Client[pgx.Tx]
}

func NewQueuePool() *QueuePool {
	return &QueuePool{}
}

// Bind attaches the River client once it exists.
func (p *QueuePool) Bind(client *river.Client[pgx.Tx]) {
	p.client = client
}

func (p *QueuePool) Dispatch(ctx context.Context, item *jobs.Item) error {
	if p.client == nil {
		return fmt.Errorf("queue pool not bound")
	}
	if _, err := p.client.Insert(ctx, ItemRenderArgs{ItemID: item.ID}, nil); err != nil {
		return fmt.Errorf("enqueue item render: %w", err)
	}
	return nil
}

var _ dispatch.WorkerPool = (*QueuePool)(nil)

// QueueNotifier enqueues terminal callbacks as River jobs so deliveries
// retry with backoff and survive restarts.
type QueueNotifier struct {
	client *river.Client[pgx.Tx]
}

func NewQueueNotifier() *QueueNotifier {
	return &QueueNotifier{}
}

// Bind attaches the River client once it exists.
func (n *QueueNotifier) Bind(client *river.Client[pgx.Tx]) {
	n.client = client
}

func (n *QueueNotifier) NotifyTerminal(ctx context.Context, job *jobs.BulkJob) error {
	if job.CallbackURL == "" {
		return nil
	}
	if n.client == nil {
		return fmt.Errorf("queue notifier not bound")
	}
	if _, err := n.client.Insert(ctx, WebhookDeliveryArgs{TenantID: job.TenantID, JobID: job.ID}, nil); err != nil {
		return fmt.Errorf("enqueue webhook delivery: %w", err)
	}
	return nil
}

var _ jobs.Notifier = (*QueueNotifier)(nil)
