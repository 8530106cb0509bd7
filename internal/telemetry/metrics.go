package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "validatord"

var (
	once sync.Once

	JobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "job_runs_total", Help: "Job runs launched by the scheduler",
	}, []string{"job"})
	JobFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "job_failures_total", Help: "Job runs that returned an error or panicked",
	}, []string{"job"})
	JobSkips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "job_skips_total", Help: "Scheduled fires that were skipped",
	}, []string{"job", "reason"})
	JobRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "job_running", Help: "Job instances currently running",
	}, []string{"job"})
	JobConsecutiveSkips = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "job_consecutive_skips", Help: "Current streak of skipped fires per job",
	}, []string{"job"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "job_duration_seconds", Help: "Job run duration",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
	}, []string{"job"})

	TasksActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "tasks_active", Help: "Supervised background tasks currently running",
	}, []string{"task"})

	LifecycleState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "lifecycle_state", Help: "0=starting 1=running 2=shutting_down 3=stopped",
	})
	ShutdownStepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "shutdown_step_failures_total", Help: "Shutdown steps that returned an error",
	}, []string{"step"})

	HTTPRejectedBodies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_rejected_bodies_total", Help: "Requests rejected for exceeding the body limit",
	})

	RewardsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "rewards_recorded_total", Help: "Rewards accepted over HTTP",
	})
	FeedbackSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "feedback_sent_total", Help: "Feedback batches delivered",
	})
	ClassificationAccuracy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "classification_accuracy", Help: "Last computed classification accuracy (0..1)",
	})
)

// Register adds every collector to the default registry exactly once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobRuns,
			JobFailures,
			JobSkips,
			JobRunning,
			JobConsecutiveSkips,
			JobDuration,
			TasksActive,
			LifecycleState,
			ShutdownStepFailures,
			HTTPRejectedBodies,
			RewardsRecorded,
			FeedbackSent,
			ClassificationAccuracy,
		)
	})
}

// Handler exposes /metrics with the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
