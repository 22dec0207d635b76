package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the scheduler's Prometheus collectors. Each value owns its
// registry so tests and multiple services in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	Enqueued         *prometheus.CounterVec
	Deduplicated     *prometheus.CounterVec
	Leased           *prometheus.CounterVec
	Completed        *prometheus.CounterVec
	Retried          *prometheus.CounterVec
	Failed           *prometheus.CounterVec
	Released         *prometheus.CounterVec
	LeaseLost        *prometheus.CounterVec
	Reclaimed        prometheus.Counter
	Swept            prometheus.Counter
	Reset            prometheus.Counter
	RateLimitRejects prometheus.Counter
	QueueDepth       *prometheus.GaugeVec
	InFlight         prometheus.Gauge
	HandlerDuration  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry:     prometheus.NewRegistry(),
		Enqueued:     counterVec("jobs_enqueued_total", "Jobs inserted by enqueue", "type"),
		Deduplicated: counterVec("jobs_deduplicated_total", "Enqueue calls answered by an existing active job", "type"),
		Leased:       counterVec("jobs_leased_total", "Successful lease acquisitions", "type"),
		Completed:    counterVec("jobs_completed_total", "Jobs completed successfully", "type"),
		Retried:      counterVec("jobs_retried_total", "Failures rescheduled for retry", "type"),
		Failed:       counterVec("jobs_failed_total", "Jobs moved to the terminal failed state", "type"),
		Released:     counterVec("jobs_released_total", "Leases given back voluntarily", "type"),
		LeaseLost:    counterVec("jobs_lease_lost_total", "Calls rejected for presenting a stale lease token", "op"),
		Reclaimed:    prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Expired leases returned to pending"}),
		Swept:        prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_swept_total", Help: "Succeeded jobs deleted by retention"}),
		Reset:        prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reset_total", Help: "Failed jobs returned to pending by an operator"}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobs_rate_limit_rejects_total",
			Help: "Enqueue requests rejected by the rate limiter",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobs_queue_depth",
			Help: "Jobs per status as of the last stats call",
		}, []string{"status"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this worker"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "jobs_handler_duration_seconds",
			Help:    "Handler execution time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Enqueued,
		m.Deduplicated,
		m.Leased,
		m.Completed,
		m.Retried,
		m.Failed,
		m.Released,
		m.LeaseLost,
		m.Reclaimed,
		m.Swept,
		m.Reset,
		m.RateLimitRejects,
		m.QueueDepth,
		m.InFlight,
		m.HandlerDuration,
	)
	return m
}

func counterVec(name, help, label string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{label})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes /metrics for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Server builds a standalone /metrics server for services without an API router.
func (m *Metrics) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
