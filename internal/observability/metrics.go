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
			Namespace: "keyless",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keyless",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	clientSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyless",
			Subsystem: "client",
			Name:      "requests_submitted_total",
			Help:      "Requests written to an upstream connection.",
		},
		[]string{"node", "op"},
	)
	clientResolved = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keyless",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time from submit to resolution, by outcome.",
			Buckets:   latencyBuckets,
		},
		[]string{"node", "op", "result"},
	)
	clientLate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyless",
			Subsystem: "client",
			Name:      "late_responses_total",
			Help:      "Responses that arrived after their request timed out or was canceled.",
		},
		[]string{"node"},
	)
	serverServed = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "keyless",
			Subsystem: "server",
			Name:      "request_duration_seconds",
			Help:      "Time to answer a request, by opcode and error code.",
			Buckets:   latencyBuckets,
		},
		[]string{"node", "op", "code"},
	)
	connectionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyless",
			Name:      "connections_closed_total",
			Help:      "Keyless connections torn down, by role.",
		},
		[]string{"node", "role"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keyless",
			Name:      "connections_active",
			Help:      "Keyless connections currently open, by role.",
		},
		[]string{"node", "role"},
	)
)

// Sign and decrypt latencies sit well under the default buckets.
var latencyBuckets = []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			clientSubmitted, clientResolved, clientLate,
			serverServed, connectionsClosed, connectionsActive,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// ConnectionOpened bumps the active gauge; the returned func undoes it.
func ConnectionOpened(node, role string) func() {
	RegisterMetrics()
	g := connectionsActive.WithLabelValues(node, role)
	g.Inc()
	return g.Dec
}
