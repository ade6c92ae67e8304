package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reelworks/orchestrator/internal/domain/ids"
	"github.com/reelworks/orchestrator/internal/events"
	"github.com/reelworks/orchestrator/internal/metrics"
)

// updateJob runs fn against a fresh read of the job and persists it under
// the optimistic version check, retrying on conflicts. fn errors abort
// without retrying. This is the single-writer funnel for job mutations.
func (s *Service) updateJob(ctx context.Context, id string, fn func(*BulkJob) error) (*BulkJob, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	return s.updateJobLocked(ctx, id, fn)
}

func (s *Service) updateJobLocked(ctx context.Context, id string, fn func(*BulkJob) error) (*BulkJob, error) {
	for attempt := 0; attempt < s.cfg.CASMaxAttempts; attempt++ {
		job, err := s.repo.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			return nil, err
		}
		err = s.repo.UpdateJob(ctx, job)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, fmt.Errorf("job %s: %w after %d attempts", id, ErrVersionConflict, s.cfg.CASMaxAttempts)
}

func (s *Service) updateItem(ctx context.Context, id string, fn func(*Item) error) (*Item, error) {
	for attempt := 0; attempt < s.cfg.CASMaxAttempts; attempt++ {
		item, err := s.repo.GetItem(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(item); err != nil {
			return nil, err
		}
		err = s.repo.UpdateItem(ctx, item)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return item, nil
	}
	return nil, fmt.Errorf("item %s: %w after %d attempts", id, ErrVersionConflict, s.cfg.CASMaxAttempts)
}

// StartJob moves a pending job to running. The dispatcher materializes the
// job's items immediately after.
func (s *Service) StartJob(ctx context.Context, jobID string) (*BulkJob, error) {
	now := s.clock()
	job, err := s.updateJob(ctx, jobID, func(job *BulkJob) error {
		return TransitionJob(job, JobStateRunning, now)
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, job, JobStatePending, "")
	return job, nil
}

// MaterializeItems persists the item descriptors produced by the input
// source and folds them into the job's counters. A job that materializes
// zero items completes immediately.
func (s *Service) MaterializeItems(ctx context.Context, jobID string, seeds []ItemSeed) error {
	now := s.clock()

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	items := make([]*Item, 0, len(seeds))
	for _, seed := range seeds {
		itemID, err := ids.NewULID()
		if err != nil {
			return err
		}
		items = append(items, &Item{
			ID:        itemID,
			JobID:     job.ID,
			TenantID:  job.TenantID,
			State:     ItemStatePending,
			RowIndex:  seed.RowIndex,
			Title:     seed.Title,
			Payload:   seed.Payload,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if len(items) > 0 {
		if err := s.repo.CreateItems(ctx, items); err != nil {
			return fmt.Errorf("create items: %w", err)
		}
	}

	job, err = s.updateJob(ctx, jobID, func(job *BulkJob) error {
		for range items {
			if err := ApplyItemDelta(job, nil, ItemStatePending); err != nil {
				return err
			}
		}
		RecomputeDerived(job, now)
		return nil
	})
	if err != nil {
		return err
	}

	s.publishProgress(ctx, job)

	if job.Counts.Total == 0 {
		return s.completeJob(ctx, job.ID)
	}
	return nil
}

// FailJob fails a non-terminal job for a systemic condition. Outstanding
// items are force-canceled through the canceling handshake and the job
// settles to failed instead of canceled.
func (s *Service) FailJob(ctx context.Context, jobID, code, message string) error {
	now := s.clock()
	var from JobState
	job, err := s.updateJob(ctx, jobID, func(job *BulkJob) error {
		from = job.State
		if err := TransitionJob(job, JobStateCanceling, now); err != nil {
			return err
		}
		job.ErrorCode = code
		job.ErrorMessage = message
		job.FailOnSettle = true
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition(ctx, job, from, code)
	s.logger.Error().Str("job_id", job.ID).Str("error_code", code).Msg("job failing")

	if err := s.cancelOutstandingItems(ctx, jobID, true); err != nil {
		return err
	}
	return s.ResolveCancel(ctx, jobID)
}

// PauseJob requests a pause: running -> pausing. The pause resolves once
// in-flight items drain (ResolvePauses), or falls back to running at the
// handshake timeout.
func (s *Service) PauseJob(ctx context.Context, tenantID, jobID string) (*BulkJob, error) {
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	now := s.clock()
	job, err := s.updateJob(ctx, jobID, func(job *BulkJob) error {
		return TransitionJob(job, JobStatePausing, now)
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, job, JobStateRunning, "")
	return job, nil
}

// ResumeJob moves a paused (or still-pausing) job back to running.
func (s *Service) ResumeJob(ctx context.Context, tenantID, jobID string) (*BulkJob, error) {
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	now := s.clock()
	var from JobState
	job, err := s.updateJob(ctx, jobID, func(job *BulkJob) error {
		from = job.State
		return TransitionJob(job, JobStateRunning, now)
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, job, from, "")
	return job, nil
}

// CancelJob requests cancellation of a non-terminal job. Pending items are
// canceled immediately; in-flight items get the cooperative signal and the
// job settles to canceled via ResolveCancels.
func (s *Service) CancelJob(ctx context.Context, tenantID, jobID, reason string) (*BulkJob, error) {
	if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
		return nil, err
	}
	return s.cancelJob(ctx, jobID, reason)
}

func (s *Service) cancelJob(ctx context.Context, jobID, reason string) (*BulkJob, error) {
	now := s.clock()
	var from JobState
	job, err := s.updateJob(ctx, jobID, func(job *BulkJob) error {
		from = job.State
		if err := TransitionJob(job, JobStateCanceling, now); err != nil {
			return err
		}
		if reason != "" && job.ErrorCode == "" {
			job.ErrorCode = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishTransition(ctx, job, from, reason)

	if err := s.cancelOutstandingItems(ctx, jobID, false); err != nil {
		return nil, err
	}
	// Settles immediately when nothing was in flight.
	if err := s.ResolveCancel(ctx, jobID); err != nil {
		return nil, err
	}
	return s.repo.GetJob(ctx, jobID)
}

// cancelOutstandingItems cancels every pending item, and with force also
// every processing item (used on job failure and after the cancel grace
// period).
func (s *Service) cancelOutstandingItems(ctx context.Context, jobID string, force bool) error {
	states := []ItemState{ItemStatePending}
	if force {
		states = append(states, ItemStateProcessing)
	}
	for _, state := range states {
		for {
			page, err := s.repo.ListItems(ctx, ItemQuery{JobID: jobID, State: state, Limit: 500})
			if err != nil {
				return err
			}
			for _, item := range page.Items {
				if err := s.finishItem(ctx, item.ID, ItemStateCanceled, nil); err != nil {
					var conflict StateConflictError
					if errors.As(err, &conflict) {
						continue // finished under us
					}
					return err
				}
			}
			if !page.HasMore {
				break
			}
		}
	}
	return nil
}

// MarkItemProcessing claims a pending item for dispatch.
func (s *Service) MarkItemProcessing(ctx context.Context, itemID string) (*Item, error) {
	now := s.clock()
	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(item.JobID)
	defer unlock()

	item, err = s.updateItem(ctx, itemID, func(item *Item) error {
		return TransitionItem(item, ItemStateProcessing, now)
	})
	if err != nil {
		return nil, err
	}

	job, err := s.updateJobLocked(ctx, item.JobID, func(job *BulkJob) error {
		from := ItemStatePending
		if err := ApplyItemDelta(job, &from, ItemStateProcessing); err != nil {
			return err
		}
		RecomputeDerived(job, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishItemTransition(ctx, job, item)
	return item, nil
}

// CompleteItem records a successful item with its artifacts.
func (s *Service) CompleteItem(ctx context.Context, itemID string, artifacts []Artifact) error {
	return s.finishItem(ctx, itemID, ItemStateCompleted, func(item *Item) {
		item.Artifacts = append(item.Artifacts, artifacts...)
	})
}

// FailItem records a failed item with an error record. Item failures stay
// on the item and its job's counters; they are not job failures.
func (s *Service) FailItem(ctx context.Context, itemID, code, message, class string) error {
	occurred := s.clock()
	return s.finishItem(ctx, itemID, ItemStateFailed, func(item *Item) {
		item.Errors = append(item.Errors, ItemError{
			Code:       code,
			Message:    message,
			Class:      class,
			OccurredAt: occurred,
		})
	})
}

// SkipItem marks an item skipped. Skipped items count toward completion.
func (s *Service) SkipItem(ctx context.Context, itemID string) error {
	return s.finishItem(ctx, itemID, ItemStateSkipped, nil)
}

// finishItem applies a terminal transition to the item, folds the delta
// into the job's aggregates under the job lock, and publishes the events.
func (s *Service) finishItem(ctx context.Context, itemID string, target ItemState, mutate func(*Item)) error {
	now := s.clock()

	item, err := s.repo.GetItem(ctx, itemID)
	if err != nil {
		return err
	}

	unlock := s.locks.lock(item.JobID)
	defer unlock()

	var from ItemState
	item, err = s.updateItem(ctx, itemID, func(item *Item) error {
		from = item.State
		if err := TransitionItem(item, target, now); err != nil {
			return err
		}
		if mutate != nil {
			mutate(item)
		}
		return nil
	})
	if err != nil {
		return err
	}

	job, err := s.updateJobLocked(ctx, item.JobID, func(job *BulkJob) error {
		if err := ApplyItemDelta(job, &from, target); err != nil {
			return err
		}
		if target == ItemStateCompleted {
			RecordItemDuration(job, item.Duration())
			metrics.ItemRenderDuration.Observe(item.Duration().Seconds())
		}
		RecomputeDerived(job, now)
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ItemsSettledTotal.WithLabelValues(string(target)).Inc()

	s.publishItemTransition(ctx, job, item)
	s.publishProgress(ctx, job)

	if job.Counts.Pending == 0 && job.Counts.Processing == 0 {
		switch job.State {
		case JobStateRunning:
			return s.completeJobLocked(ctx, job.ID)
		case JobStateCanceling:
			return s.resolveCancelLocked(ctx, job.ID)
		}
	}
	return nil
}

// Heartbeat records liveness and render progress for an in-flight item.
func (s *Service) Heartbeat(ctx context.Context, itemID string, percent float64) error {
	now := s.clock()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := s.updateItem(ctx, itemID, func(item *Item) error {
		if item.State != ItemStateProcessing {
			return StateConflictError{EntityID: item.ID, From: string(item.State), To: string(ItemStateProcessing)}
		}
		beat := now
		item.LastHeartbeatAt = &beat
		if percent > item.PercentComplete {
			item.PercentComplete = percent
		}
		item.UpdatedAt = now
		return nil
	})
	return err
}

// completeJob walks running -> completing -> completed. Partial completion
// (failed items present) is still completed.
func (s *Service) completeJob(ctx context.Context, jobID string) error {
	unlock := s.locks.lock(jobID)
	defer unlock()
	return s.completeJobLocked(ctx, jobID)
}

func (s *Service) completeJobLocked(ctx context.Context, jobID string) error {
	now := s.clock()
	job, err := s.updateJobLocked(ctx, jobID, func(job *BulkJob) error {
		return TransitionJob(job, JobStateCompleting, now)
	})
	if err != nil {
		return err
	}
	s.publishTransition(ctx, job, JobStateRunning, "")

	job, err = s.updateJobLocked(ctx, jobID, func(job *BulkJob) error {
		return TransitionJob(job, JobStateCompleted, s.clock())
	})
	if err != nil {
		return err
	}
	s.publishTransition(ctx, job, JobStateCompleting, "")
	s.notifyTerminal(ctx, job)
	s.logger.Info().Str("job_id", jobID).Int("items_failed", job.Counts.Failed).Msg("job completed")
	return nil
}

// ResolveCancel settles a canceling job to canceled once nothing is in
// flight. Past the cancel grace period it force-marks whatever is still
// processing; workers that never acknowledged the signal lose.
func (s *Service) ResolveCancel(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != JobStateCanceling {
		return nil
	}

	if job.Counts.Pending > 0 || job.Counts.Processing > 0 {
		if s.clock().Sub(job.StateChangedAt) < s.cfg.CancelGrace {
			return nil
		}
		// finishItem settles the job when the last straggler lands.
		return s.cancelOutstandingItems(ctx, jobID, true)
	}

	unlock := s.locks.lock(jobID)
	defer unlock()
	return s.resolveCancelLocked(ctx, jobID)
}

// resolveCancelLocked settles canceling -> canceled when nothing remains in
// flight. Callers hold the job lock.
func (s *Service) resolveCancelLocked(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != JobStateCanceling || job.Counts.Pending > 0 || job.Counts.Processing > 0 {
		return nil
	}

	target := JobStateCanceled
	if job.FailOnSettle {
		target = JobStateFailed
	}
	job, err = s.updateJobLocked(ctx, jobID, func(job *BulkJob) error {
		return TransitionJob(job, target, s.clock())
	})
	if err != nil {
		return err
	}
	s.publishTransition(ctx, job, JobStateCanceling, job.ErrorCode)
	s.notifyTerminal(ctx, job)
	s.logger.Info().Str("job_id", jobID).Str("state", string(job.State)).Msg("job settled")
	return nil
}

// ResolvePause settles a pausing job: paused once nothing is in flight,
// back to running when the handshake timeout lapses first.
func (s *Service) ResolvePause(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State != JobStatePausing {
		return nil
	}

	now := s.clock()
	if job.Counts.Processing > 0 && now.Sub(job.StateChangedAt) < s.cfg.HandshakeTimeout {
		return nil
	}

	target := JobStatePaused
	if job.Counts.Processing > 0 {
		// Workers did not acknowledge in time; the pause request loses.
		target = JobStateRunning
		s.logger.Warn().Str("job_id", jobID).Msg("pause handshake timed out, resuming")
	}

	job, err = s.updateJob(ctx, jobID, func(job *BulkJob) error {
		return TransitionJob(job, target, now)
	})
	if err != nil {
		var conflict StateConflictError
		if errors.As(err, &conflict) {
			return nil // state moved under us
		}
		return err
	}
	s.publishTransition(ctx, job, JobStatePausing, "")
	return nil
}

// EnforceDeadline force-cancels a job whose processing deadline has
// passed. The terminal record carries the deadline_exceeded error code.
func (s *Service) EnforceDeadline(ctx context.Context, jobID string) error {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ProcessingDeadlineMS <= 0 || job.State.Terminal() || job.StartedAt == nil {
		return nil
	}
	deadline := job.StartedAt.Add(time.Duration(job.ProcessingDeadlineMS) * time.Millisecond)
	if s.clock().Before(deadline) {
		return nil
	}

	s.logger.Warn().Str("job_id", jobID).Msg("processing deadline exceeded, canceling")
	if job.State == JobStateCanceling {
		return s.ResolveCancel(ctx, jobID)
	}
	_, err = s.cancelJob(ctx, jobID, ErrorCodeDeadlineExceeded)
	return err
}

// FailStaleItem marks an item failed after a heartbeat timeout.
func (s *Service) FailStaleItem(ctx context.Context, itemID string) error {
	return s.FailItem(ctx, itemID, "heartbeat_timeout", "item processing heartbeat timed out", ErrorClassTimeout)
}

// SetTenantRateLimited mirrors upstream throttling reported by the
// dispatcher onto the tenant's running jobs.
func (s *Service) SetTenantRateLimited(ctx context.Context, tenantID string, limited bool) error {
	for _, state := range []JobState{JobStateRunning, JobStatePausing} {
		jobsInState, err := s.repo.ListJobsByTenantInState(ctx, tenantID, state, 500)
		if err != nil {
			return err
		}
		for _, candidate := range jobsInState {
			job, err := s.updateJob(ctx, candidate.ID, func(job *BulkJob) error {
				if job.RateLimited == limited {
					return errRateLimitedUnchanged
				}
				job.RateLimited = limited
				job.UpdatedAt = s.clock()
				return nil
			})
			if errors.Is(err, errRateLimitedUnchanged) {
				continue
			}
			if err != nil {
				return err
			}
			s.publishProgress(ctx, job)
		}
	}
	return nil
}

var errRateLimitedUnchanged = errors.New("rate limited flag unchanged")

// PublishProgress emits a periodic progress snapshot for a job without
// mutating it.
func (s *Service) PublishProgress(ctx context.Context, job *BulkJob) {
	RecomputeDerived(job, s.clock())
	s.publishProgress(ctx, job)
}

func (s *Service) publishTransition(ctx context.Context, job *BulkJob, from JobState, reason string) {
	metrics.JobTransitionsTotal.WithLabelValues(string(from), string(job.State)).Inc()
	data := map[string]any{
		"from": string(from),
		"to":   string(job.State),
		"job":  jobSnapshot(job),
	}
	if reason != "" {
		data["reason"] = reason
	}
	s.publish(ctx, events.TypeJobStateChanged, job, data)
}

func (s *Service) publishItemTransition(ctx context.Context, job *BulkJob, item *Item) {
	s.publish(ctx, events.TypeItemStateChanged, job, map[string]any{
		"item": itemSnapshot(item),
	})
}

func (s *Service) publishProgress(ctx context.Context, job *BulkJob) {
	s.publish(ctx, events.TypeJobProgress, job, map[string]any{
		"job": jobSnapshot(job),
	})
}

func (s *Service) notifyTerminal(ctx context.Context, job *BulkJob) {
	if s.notifier == nil || job.CallbackURL == "" {
		return
	}
	if err := s.notifier.NotifyTerminal(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("terminal callback enqueue failed")
	}
}
