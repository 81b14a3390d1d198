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
			Namespace: "swarmsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total relay admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swarmsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Relay admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	relayMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmsync",
			Subsystem: "relay",
			Name:      "messages_total",
			Help:      "Relay inbound lines by type and routing outcome.",
		},
		[]string{"type", "route"},
	)
	relaySessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarmsync",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Open relay sessions.",
		},
	)
	relayNamespaces = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "swarmsync",
			Subsystem: "relay",
			Name:      "namespaces",
			Help:      "Non-empty namespaces.",
		},
	)
	lateStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmsync",
			Subsystem: "scheduler",
			Name:      "late_starts_total",
			Help:      "Commands whose start instant had passed on arrival.",
		},
		[]string{"node"},
	)
	lateness = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "swarmsync",
			Subsystem: "scheduler",
			Name:      "late_start_seconds",
			Help:      "How late a late command started.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"node"},
	)
	recues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmsync",
			Subsystem: "scheduler",
			Name:      "recues_total",
			Help:      "Output re-cues issued by alignment.",
		},
		[]string{"node"},
	)
	clockOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swarmsync",
			Subsystem: "clock",
			Name:      "offset_ms",
			Help:      "Offset in use: global = local + offset.",
		},
		[]string{"node"},
	)
	clockDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swarmsync",
			Subsystem: "clock",
			Name:      "drift_ms",
			Help:      "Live estimate minus offset in use.",
		},
		[]string{"node"},
	)
	catalogEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "swarmsync",
			Subsystem: "catalog",
			Name:      "entries",
			Help:      "Catalog entries including tombstones.",
		},
		[]string{"node"},
	)
	fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmsync",
			Subsystem: "transfer",
			Name:      "fetches_total",
			Help:      "Object fetch attempts by result.",
		},
		[]string{"node", "success"},
	)
	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "swarmsync",
			Subsystem: "node",
			Name:      "relay_reconnects_total",
			Help:      "Relay session reconnect attempts.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			relayMessages, relaySessions, relayNamespaces,
			lateStarts, lateness, recues,
			clockOffset, clockDrift,
			catalogEntries, fetches, reconnects,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordRelayMessage counts one inbound line; route is interpreted, relayed or dropped.
func RecordRelayMessage(msgType, route string) {
	RegisterMetrics()
	relayMessages.WithLabelValues(msgType, route).Inc()
}

func SetRelayLoad(sessions, namespaces int) {
	RegisterMetrics()
	relaySessions.Set(float64(sessions))
	relayNamespaces.Set(float64(namespaces))
}

func RecordLateStart(node string, late time.Duration) {
	RegisterMetrics()
	lateStarts.WithLabelValues(node).Inc()
	lateness.WithLabelValues(node).Observe(late.Seconds())
}

func RecordRecue(node string) {
	RegisterMetrics()
	recues.WithLabelValues(node).Inc()
}

func SetClock(node string, offsetMs, driftMs float64) {
	RegisterMetrics()
	clockOffset.WithLabelValues(node).Set(offsetMs)
	clockDrift.WithLabelValues(node).Set(driftMs)
}

func SetCatalogEntries(node string, n int) {
	RegisterMetrics()
	catalogEntries.WithLabelValues(node).Set(float64(n))
}

func RecordFetch(node string, success bool) {
	RegisterMetrics()
	fetches.WithLabelValues(node, strconv.FormatBool(success)).Inc()
}

func RecordReconnect(node string) {
	RegisterMetrics()
	reconnects.WithLabelValues(node).Inc()
}
