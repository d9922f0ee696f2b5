package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	gradingJobsTotal       *prometheus.CounterVec
	gradingDurationSeconds *prometheus.HistogramVec
	gradingQueueDepth      prometheus.Gauge
	resultPollsTotal       *prometheus.CounterVec
	resultPollWaitSeconds  prometheus.Histogram
)

// RegisterMetrics initialises the Prometheus collectors of the grading API.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_api_requests_total",
			Help: "Total number of submission API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "submission_api_latency_seconds",
			Help:    "Latency distribution for submission API requests.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "submission_api_errors_total",
			Help: "Total number of error responses returned by submission endpoints.",
		}, []string{"method", "route", "status"})

		gradingJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grading_jobs_total",
			Help: "Grading jobs partitioned by execution path and outcome.",
		}, []string{"path", "outcome"})

		gradingDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grading_duration_seconds",
			Help:    "Time spent inside the grader.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"path"})

		gradingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grading_queue_depth",
			Help: "Background grading jobs waiting for a worker.",
		})

		resultPollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "result_polls_total",
			Help: "Result polls partitioned by final state.",
		}, []string{"outcome"})

		resultPollWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "result_poll_wait_seconds",
			Help:    "How long result polls waited before answering.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			gradingJobsTotal, gradingDurationSeconds, gradingQueueDepth,
			resultPollsTotal, resultPollWaitSeconds,
		)
	})
}

// APIRequests exposes the counter for submission API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for submission API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for submission API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// GradingJobs counts finished grading jobs by path (sync, async) and outcome.
func GradingJobs() *prometheus.CounterVec {
	RegisterMetrics()
	return gradingJobsTotal
}

// GradingDuration observes grader latency by path.
func GradingDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return gradingDurationSeconds
}

// GradingQueueDepth tracks the worker pool backlog.
func GradingQueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return gradingQueueDepth
}

// ResultPolls counts poll outcomes (done, timeout, not_found).
func ResultPolls() *prometheus.CounterVec {
	RegisterMetrics()
	return resultPollsTotal
}

// ResultPollWait observes how long a poll was held open.
func ResultPollWait() prometheus.Histogram {
	RegisterMetrics()
	return resultPollWaitSeconds
}
