package jobs

import (
	"fmt"
	"math"
	"time"
)

// ApplyItemDelta moves one item between counter buckets on the job. A nil
// from means the item is newly materialized and only the target bucket and
// the total grow. The buckets are mutated together so the counter invariant
// (total equals the sum of all buckets) holds at every observable instant;
// callers persist the job through the registry's versioned update, which
// serializes concurrent writers.
func ApplyItemDelta(job *BulkJob, from *ItemState, to ItemState) error {
	if from != nil {
		if *from == to {
			return nil
		}
		if err := adjustBucket(job, *from, -1); err != nil {
			return err
		}
	} else {
		job.Counts.Total++
	}
	return adjustBucket(job, to, +1)
}

func adjustBucket(job *BulkJob, state ItemState, delta int) error {
	var bucket *int
	switch state {
	case ItemStatePending:
		bucket = &job.Counts.Pending
	case ItemStateProcessing:
		bucket = &job.Counts.Processing
	case ItemStateCompleted:
		bucket = &job.Counts.Completed
	case ItemStateFailed:
		bucket = &job.Counts.Failed
	case ItemStateSkipped:
		bucket = &job.Counts.Skipped
	case ItemStateCanceled:
		bucket = &job.Counts.Canceled
	default:
		return fmt.Errorf("unknown item state %q", state)
	}
	next := *bucket + delta
	if next < 0 {
		return fmt.Errorf("item counter %q would go negative on job %s", state, job.ID)
	}
	// Completed and skipped counts are monotonic for a given job.
	if delta < 0 && (state == ItemStateCompleted || state == ItemStateSkipped) {
		return fmt.Errorf("item counter %q cannot decrease on job %s", state, job.ID)
	}
	*bucket = next
	return nil
}

// RecordItemDuration folds one completed item's observed duration into the
// rolling mean.
func RecordItemDuration(job *BulkJob, d time.Duration) {
	if d < 0 {
		d = 0
	}
	job.DurationSumMS += d.Milliseconds()
	job.DurationSamples++
}

// PercentComplete derives the job percentage with one-decimal rounding:
// 100 * (completed + skipped) / total, and 0 for an empty job.
func (j *BulkJob) PercentComplete() float64 {
	if j.Counts.Total == 0 {
		return 0
	}
	pct := 100 * float64(j.Counts.Completed+j.Counts.Skipped) / float64(j.Counts.Total)
	return math.Round(pct*10) / 10
}

// RecomputeDerived refreshes the derived progress fields. The ETA stays
// nil until at least one item has completed; zero would read as "done".
func RecomputeDerived(job *BulkJob, now time.Time) {
	if job.StartedAt != nil && job.FinishedAt == nil {
		job.TimeProcessingMS = now.Sub(*job.StartedAt).Milliseconds()
	}

	if job.DurationSamples == 0 {
		job.AvgItemDurationMS = nil
		job.EtaMS = nil
		return
	}

	avg := job.DurationSumMS / job.DurationSamples
	job.AvgItemDurationMS = &avg

	eta := avg * int64(job.Counts.Pending)
	job.EtaMS = &eta
}

// CheckCounterInvariant verifies that the total equals the sum of the
// per-state buckets.
func CheckCounterInvariant(job *BulkJob) error {
	if job.Counts.Total != job.Counts.Sum() {
		return fmt.Errorf("job %s counters diverged: total=%d sum=%d", job.ID, job.Counts.Total, job.Counts.Sum())
	}
	return nil
}
