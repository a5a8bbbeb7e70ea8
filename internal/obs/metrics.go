// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/go-avito-work-queue/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksAcquired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_acquired_total",
		Help: "Total number of tasks claimed by workers",
	}, []string{"kind"})
	TasksCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_completed_total",
		Help: "Total number of completed tasks",
	}, []string{"kind"})
	TasksFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_failed_total",
		Help: "Total number of tasks marked failed",
	}, []string{"kind"})
	TasksInvalidated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_invalidated_total",
		Help: "Total number of tasks marked invalid (listing removed)",
	}, []string{"kind"})
	TasksReturned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_returned_total",
		Help: "Total number of tasks returned to the pending queue",
	}, []string{"kind"})
	TaskProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "task_processing_duration_seconds",
		Help:    "Histogram of per-task processing durations",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind"})
	ProxiesBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxies_blocked_total",
		Help: "Total number of proxies permanently blocked",
	})
	ProxyAcquireWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_acquire_waits_total",
		Help: "Total number of wait rounds with no free proxy",
	})
	ArticulumsValidated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "articulums_validated_total",
		Help: "Total number of articulums that passed all validation stages",
	})
	ArticulumsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "articulums_rejected_total",
		Help: "Total number of articulums rejected, by pipeline stage",
	}, []string{"stage"})
	AIRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ai_requests_total",
		Help: "Total number of AI validation calls",
	})
	AIFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ai_failures_total",
		Help: "Total number of AI provider transport failures",
	})
	ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of tasks requeued by the heartbeat checker",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of live worker child processes",
	})
	WorkerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "worker_restarts_total",
		Help: "Total number of worker child restarts",
	})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	CaptchaAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "captcha_attempts_total",
		Help: "Total number of captcha resolution attempts",
	})
)

func init() {
	prometheus.MustRegister(
		TasksAcquired, TasksCompleted, TasksFailed, TasksInvalidated, TasksReturned,
		TaskProcessingDuration, ProxiesBlocked, ProxyAcquireWaits,
		ArticulumsValidated, ArticulumsRejected, AIRequests, AIFailures,
		ReaperRecovered, WorkerActive, WorkerRestarts,
		CircuitBreakerState, CircuitBreakerTrips, CaptchaAttempts,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; prefer StartHTTPServer which also registers health
// endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
