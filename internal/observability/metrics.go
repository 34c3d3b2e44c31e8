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
			Namespace: "kbcast",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbcast",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	datagrams = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbcast",
			Subsystem: "transport",
			Name:      "datagrams_total",
			Help:      "Datagrams handled by the transport, by direction and outcome.",
		},
		[]string{"node", "direction", "outcome"},
	)
	transportBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbcast",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Bytes sent or received.",
		},
		[]string{"node", "direction"},
	)
	updates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbcast",
			Subsystem: "transport",
			Name:      "updates_total",
			Help:      "Received updates by arbitration outcome.",
		},
		[]string{"node", "outcome"},
	)
	rebroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbcast",
			Subsystem: "transport",
			Name:      "rebroadcasts_total",
			Help:      "Rebroadcast datagrams sent to peers.",
		},
		[]string{"node"},
	)
	fragmentEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbcast",
			Subsystem: "fragment",
			Name:      "evictions_total",
			Help:      "Incomplete fragment sets dropped before reassembly.",
		},
		[]string{"node"},
	)
	applyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kbcast",
			Subsystem: "transport",
			Name:      "process_duration_seconds",
			Help:      "Time from datagram dequeue to apply completion.",
			Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"node"},
	)
	reliableRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kbcast",
			Subsystem: "reliable",
			Name:      "rounds_total",
			Help:      "Reliable record publish rounds by outcome.",
		},
		[]string{"record", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			datagrams, transportBytes, updates, rebroadcasts, fragmentEvictions, applyDuration,
			reliableRounds,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDatagram counts one datagram. direction is "in" or "out".
func RecordDatagram(node, direction, outcome string, bytes int) {
	RegisterMetrics()
	datagrams.WithLabelValues(node, direction, outcome).Inc()
	if bytes > 0 {
		transportBytes.WithLabelValues(node, direction).Add(float64(bytes))
	}
}

func RecordUpdates(node string, applied, stale int) {
	RegisterMetrics()
	if applied > 0 {
		updates.WithLabelValues(node, "applied").Add(float64(applied))
	}
	if stale > 0 {
		updates.WithLabelValues(node, "stale").Add(float64(stale))
	}
}

func RecordRebroadcast(node string, targets int) {
	RegisterMetrics()
	rebroadcasts.WithLabelValues(node).Add(float64(targets))
}

func RecordFragmentEvictions(node string, n int) {
	RegisterMetrics()
	fragmentEvictions.WithLabelValues(node).Add(float64(n))
}

func RecordProcess(node string, duration time.Duration) {
	RegisterMetrics()
	applyDuration.WithLabelValues(node).Observe(duration.Seconds())
}

// RecordReliableRound counts one publish round. outcome is one of "done",
// "resend" or "ack_timeout".
func RecordReliableRound(record, outcome string) {
	RegisterMetrics()
	reliableRounds.WithLabelValues(record, outcome).Inc()
}
