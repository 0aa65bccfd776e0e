package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "screening_jobs_enqueued_total", Help: "Total enqueued screening jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "screening_rate_limit_rejects_total", Help: "Requests rejected by the per-repository rate limiter"})
	LockRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "screening_lock_rejects_total", Help: "Build requests rejected because a lock marker is held"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "screening_jobs_succeeded_total", Help: "Jobs that ended in success"})
	WorkerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_jobs_failed_total", Help: "Jobs that ended in failure, by error kind"}, []string{"kind"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "screening_jobs_dead_letter_total", Help: "Jobs moved to DLQ after repeated lease expiry"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "screening_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "screening_jobs_inflight", Help: "Jobs currently leased"})
	ThreadPosts      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_thread_posts_total", Help: "Status comment writes by phase"}, []string{"phase"})
	ArchiveOps       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_archive_operations_total", Help: "Archival service calls by operation and result"}, []string{"op", "result"})
	CacheSeeds       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "screening_build_cache_seeds_total", Help: "Build directory seeding attempts by result"}, []string{"result"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			LockRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			ThreadPosts,
			ArchiveOps,
			CacheSeeds,
		)
	})
	return promhttp.Handler()
}
