package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgejit",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgejit",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	compileRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgejit",
			Subsystem: "compile",
			Name:      "requests_total",
			Help:      "Compile service requests by op and outcome.",
		},
		[]string{"op", "outcome"},
	)
	compileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgejit",
			Subsystem: "compile",
			Name:      "duration_seconds",
			Help:      "Backend compile duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30, 120},
		},
		[]string{"backend", "success"},
	)
	modulesShipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgejit",
			Subsystem: "compile",
			Name:      "modules_shipped_total",
			Help:      "Module artifacts returned by require responses.",
		},
	)
	connections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgejit",
			Subsystem: "compile",
			Name:      "connections_total",
			Help:      "Accepted compile service connections.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			compileRequests,
			compileDuration,
			modulesShipped,
			connections,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRequest counts one handled wire request. outcome is "ok" or the error kind.
func RecordRequest(op, outcome string) {
	RegisterMetrics()
	compileRequests.WithLabelValues(op, outcome).Inc()
}

func RecordCompile(backend string, duration time.Duration, success bool) {
	RegisterMetrics()
	compileDuration.WithLabelValues(backend, strconv.FormatBool(success)).Observe(duration.Seconds())
}

func RecordModulesShipped(n int) {
	RegisterMetrics()
	modulesShipped.Add(float64(n))
}

func RecordConnection() {
	RegisterMetrics()
	connections.Inc()
}
