package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted into a queue"}, []string{"queue"})
	CompletedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	RetriedCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs scheduled for a retry after failure"}, []string{"queue"})
	FailedCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs failed permanently"}, []string{"queue"})
	StuckCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_stuck_recovered_total", Help: "Active jobs reclaimed by the stuck sweep"}, []string{"queue"})
	PrunedCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_pruned_total", Help: "Terminal job records removed by retention"}, []string{"queue"})
	RateLimitRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"}, []string{"queue"})
	EventsDropped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_events_dropped_total", Help: "Domain events dropped because a subscriber was slow"})
	DegradedCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_degraded_total", Help: "Advisory-path failures (metrics, archive, progress) that were swallowed"}, []string{"component"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_depth", Help: "Waiting plus delayed jobs per queue"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_inflight", Help: "Handlers currently executing per queue"}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			CompletedCounter,
			RetriedCounter,
			FailedCounter,
			StuckCounter,
			PrunedCounter,
			RateLimitRejects,
			EventsDropped,
			DegradedCounter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
