package metrics

import "github.com/prometheus/client_golang/prometheus"

// Heartbeat results.
const (
	HeartbeatAccepted     = "accepted"
	HeartbeatDropped      = "dropped"
	HeartbeatUnauthorized = "unauthorized"
)

// PresenceMetrics holds Prometheus metrics for device presence tracking.
type PresenceMetrics struct {
	LiveDevices   prometheus.Gauge
	RecordsPruned prometheus.Counter
	Heartbeats    *prometheus.CounterVec
	TickDuration  prometheus.Histogram
}

// NewPresenceMetrics creates and registers presence metrics on the given registry.
func NewPresenceMetrics(reg prometheus.Registerer) *PresenceMetrics {
	m := &PresenceMetrics{
		LiveDevices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "live_devices",
			Help:      "Devices seen within the heartbeat TTL at the last count.",
		}),
		RecordsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "records_pruned_total",
			Help:      "Presence records removed after TTL expiry.",
		}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "heartbeats_total",
			Help:      "Inbound heartbeat messages by result.",
		}, []string{"result"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time spent computing and fanning out one count broadcast.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
	}

	reg.MustRegister(m.LiveDevices, m.RecordsPruned, m.Heartbeats, m.TickDuration)
	return m
}
