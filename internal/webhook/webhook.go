// Package webhook delivers terminal job callbacks. Jobs created with a
// callback URL get a single POST with the final job snapshot once they
// settle.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/reelworks/orchestrator/internal/domain/jobs"
	"github.com/reelworks/orchestrator/internal/metrics"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// Sender performs one callback delivery attempt.
type Sender struct {
	client *http.Client
	logger zerolog.Logger
}

func NewSender(logger zerolog.Logger) *Sender {
	return &Sender{
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With().Str("component", "webhook").Logger(),
	}
}

// payload is the callback body. It mirrors the job resource minus
// internal bookkeeping fields.
type payload struct {
	Event string        `json:"event"`
	Job   *jobs.BulkJob `json:"job"`
}

// Deliver POSTs the terminal snapshot to the job's callback URL. Non-2xx
// responses are errors so queue-backed deliveries retry.
func (s *Sender) Deliver(ctx context.Context, job *jobs.BulkJob) error {
	if job.CallbackURL == "" {
		return nil
	}

	body, err := json.Marshal(payload{Event: "job." + string(job.State), Job: job})
	if err != nil {
		return fmt.Errorf("marshal callback payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("deliver callback: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("deliver callback: unexpected status %d", resp.StatusCode)
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	s.logger.Info().Str("job_id", job.ID).Str("url", job.CallbackURL).Msg("callback delivered")
	return nil
}

// DirectNotifier delivers callbacks inline. It backs the memory
// deployment mode; durable deployments enqueue deliveries instead so
// they survive restarts and retry.
type DirectNotifier struct {
	sender *Sender
	logger zerolog.Logger
}

func NewDirectNotifier(sender *Sender, logger zerolog.Logger) *DirectNotifier {
	return &DirectNotifier{
		sender: sender,
		logger: logger.With().Str("component", "webhook_notifier").Logger(),
	}
}

func (n *DirectNotifier) NotifyTerminal(ctx context.Context, job *jobs.BulkJob) error {
	// Deliver off the settlement path; the job is already terminal and a
	// slow receiver must not hold up item settlement.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
		defer cancel()
		if err := n.sender.Deliver(ctx, job); err != nil {
			n.logger.Error().Err(err).Str("job_id", job.ID).Msg("callback delivery failed")
		}
	}()
	return nil
}

var _ jobs.Notifier = (*DirectNotifier)(nil)
