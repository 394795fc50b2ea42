package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_jobs_enqueued_total", Help: "Jobs accepted by the queue"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_jobs_completed_total", Help: "Jobs finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_jobs_failed_total", Help: "Jobs failed permanently"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_jobs_retried_total", Help: "Job attempts requeued with backoff"})
	JobsStalled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_jobs_stalled_total", Help: "Jobs reclaimed from expired leases"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_rate_limit_rejects_total", Help: "Requests rejected by the rate limiter"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docpipe_queue_depth", Help: "Jobs waiting for dispatch"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "docpipe_jobs_inflight", Help: "Jobs currently leased"})

	ExtractionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "docpipe_extraction_seconds",
		Help:    "Wall-clock duration of extraction attempts",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 120, 300},
	})

	AICalls          = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_ai_calls_total", Help: "Outbound AI service calls, including retries"})
	AICallFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_ai_call_failures_total", Help: "AI operations that failed after all retries"})
	AIModelFallbacks = prometheus.NewCounter(prometheus.CounterOpts{Name: "docpipe_ai_model_fallbacks_total", Help: "Times the AI client advanced to a fallback model"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobsStalled,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			ExtractionDuration,
			AICalls,
			AICallFailures,
			AIModelFallbacks,
		)
	})
	return promhttp.Handler()
}
