package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Queue job metrics
var (
	QueueJobsQueued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_queued_total",
			Help:      "Total number of queue jobs inserted",
		},
		[]string{"kind"},
	)

	QueueJobsInFlight = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs_in_flight",
			Help:      "Current number of queue jobs executing",
		},
		[]string{"kind"},
	)

	QueueJobDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_duration_seconds",
			Help:      "Queue job execution duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)

	QueueJobsCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_completed_total",
			Help:      "Total number of queue jobs completed",
		},
		[]string{"kind", "result"},
	)
)

// QueueMetricsHook implements River's Hook interface for Prometheus metrics
type QueueMetricsHook struct {
	river.HookDefaults
	mu        sync.Mutex
	startTime map[int64]time.Time
}

func NewQueueMetricsHook() *QueueMetricsHook {
	return &QueueMetricsHook{startTime: make(map[int64]time.Time)}
}

// InsertBegin is called when a job is queued
func (h *QueueMetricsHook) InsertBegin(ctx context.Context, params *rivertype.JobInsertParams) error {
	QueueJobsQueued.WithLabelValues(params.Kind).Inc()
	return nil
}

// WorkBegin is called when a job starts executing
func (h *QueueMetricsHook) WorkBegin(ctx context.Context, job *rivertype.JobRow) error {
	QueueJobsInFlight.WithLabelValues(job.Kind).Inc()
	h.mu.Lock()
	h.startTime[job.ID] = time.Now()
	h.mu.Unlock()
	return nil
}

// WorkEnd is called when a job finishes executing
func (h *QueueMetricsHook) WorkEnd(ctx context.Context, job *rivertype.JobRow, err error) error {
	QueueJobsInFlight.WithLabelValues(job.Kind).Dec()

	h.mu.Lock()
	start, ok := h.startTime[job.ID]
	if ok {
		delete(h.startTime, job.ID)
	}
	h.mu.Unlock()
	if ok {
		QueueJobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	QueueJobsCompleted.WithLabelValues(job.Kind, result).Inc()
	return nil
}
