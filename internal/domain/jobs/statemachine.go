package jobs

import "time"

// jobTransitions is the canonical permitted-transition table for jobs.
//
//	pending -> running
//	running <-> pausing <-> paused (resume is paused -> running)
//	running -> completing -> completed
//	any non-terminal -> canceling -> canceled
//	any non-terminal -> failed
var jobTransitions = map[JobState][]JobState{
	JobStatePending:    {JobStateRunning, JobStateCanceling, JobStateFailed},
	JobStateRunning:    {JobStatePausing, JobStateCompleting, JobStateCanceling, JobStateFailed},
	JobStatePausing:    {JobStatePaused, JobStateRunning, JobStateCanceling, JobStateFailed},
	JobStatePaused:     {JobStateRunning, JobStateCanceling, JobStateFailed},
	JobStateCompleting: {JobStateCompleted, JobStateCanceling, JobStateFailed},
	JobStateCanceling:  {JobStateCanceled, JobStateFailed},
	JobStateCompleted:  nil,
	JobStateCanceled:   nil,
	JobStateFailed:     nil,
}

// itemTransitions is the canonical permitted-transition table for items.
// Pending items may be canceled or skipped without ever processing.
var itemTransitions = map[ItemState][]ItemState{
	ItemStatePending:    {ItemStateProcessing, ItemStateSkipped, ItemStateCanceled},
	ItemStateProcessing: {ItemStateCompleted, ItemStateFailed, ItemStateSkipped, ItemStateCanceled},
	ItemStateCompleted:  nil,
	ItemStateFailed:     nil,
	ItemStateSkipped:    nil,
	ItemStateCanceled:   nil,
}

// CanJobTransition reports whether from -> to is a legal job transition.
func CanJobTransition(from, to JobState) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanItemTransition reports whether from -> to is a legal item transition.
func CanItemTransition(from, to ItemState) bool {
	for _, allowed := range itemTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionJob applies target to the job if the transition is legal,
// maintaining the derived timestamps. On an illegal transition the job is
// unchanged and a StateConflictError is returned.
func TransitionJob(job *BulkJob, target JobState, now time.Time) error {
	if !CanJobTransition(job.State, target) {
		return StateConflictError{EntityID: job.ID, From: string(job.State), To: string(target)}
	}

	job.State = target
	job.StateChangedAt = now
	job.UpdatedAt = now

	switch target {
	case JobStateRunning:
		if job.StartedAt == nil {
			started := now
			job.StartedAt = &started
			job.TimeToStartMS = now.Sub(job.CreatedAt).Milliseconds()
		}
	case JobStateCompleted, JobStateCanceled, JobStateFailed:
		finished := now
		job.FinishedAt = &finished
		if job.StartedAt != nil {
			job.TimeProcessingMS = now.Sub(*job.StartedAt).Milliseconds()
		}
	}
	return nil
}

// TransitionItem applies target to the item if the transition is legal,
// maintaining the processing timestamps. On an illegal transition the item
// is unchanged and a StateConflictError is returned.
func TransitionItem(item *Item, target ItemState, now time.Time) error {
	if !CanItemTransition(item.State, target) {
		return StateConflictError{EntityID: item.ID, From: string(item.State), To: string(target)}
	}

	item.State = target
	item.UpdatedAt = now

	switch target {
	case ItemStateProcessing:
		started := now
		item.StartedAt = &started
		item.LastHeartbeatAt = &started
	case ItemStateCompleted:
		finished := now
		item.FinishedAt = &finished
		item.PercentComplete = 100
	case ItemStateFailed, ItemStateSkipped, ItemStateCanceled:
		finished := now
		item.FinishedAt = &finished
	}
	return nil
}
