// Package telemetry exposes Prometheus metrics for the mapper, adapted from
// zephyrcache's internal/telemetry/metrics.go: same Registry/Instrument/
// MetricsHandler shape, counters renamed to the mapper's own domain.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	AgentsRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mapper",
			Name:      "agents_registered",
			Help:      "Current number of live agents in the cluster registry.",
		},
		[]string{"identity_prefix"},
	)

	AgentEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mapper",
			Name:      "agent_events_total",
			Help:      "Total register/heartbeat/unregister/reap events observed.",
		},
		[]string{"event"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mapper",
			Name:      "jobs_total",
			Help:      "Total jobs created, by terminal outcome.",
		},
		[]string{"outcome"},
	)

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mapper",
			Name:      "jobs_in_flight",
			Help:      "Current number of pending jobs.",
		},
	)

	OfflineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mapper",
			Name:      "offline_queue_depth",
			Help:      "Current depth of the mapper-offline durable queue.",
		},
	)

	RedeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mapper",
			Name:      "redelivery_attempts_total",
			Help:      "Total offline redelivery attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	// ---- HTTP debug-surface instrumentation (shape kept from the teacher) ----

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mapper",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests to the mapper's debug surface.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mapper",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests to the mapper's debug surface.",
			// Tune buckets to your SLOs. This covers 1ms .. ~4s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mapper",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mapper",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "mapper",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		AgentsRegistered, AgentEventsTotal, JobsTotal, JobsInFlight,
		OfflineQueueDepth, RedeliveryAttemptsTotal,
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.HandleFunc("/info", telemetry.Instrument("info", http.HandlerFunc(s.info)).ServeHTTP)
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
