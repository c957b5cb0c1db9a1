package mesh

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *meshMetrics
)

type meshMetrics struct {
	handshakes     *prometheus.CounterVec
	registrations  *prometheus.CounterVec
	discovered     prometheus.Gauge
	sessions       prometheus.Gauge
	replaySize     prometheus.Gauge
	replayEvicted  prometheus.Counter
	reconnectTries prometheus.Counter
}

func newMeshMetrics() *meshMetrics {
	metricsInitOnce.Do(func() {
		mm := &meshMetrics{
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "omnimesh_handshakes_total",
				Help: "Total handshake verification outcomes.",
			}, []string{"result"}),
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "omnimesh_registrations_total",
				Help: "Total node registration outcomes.",
			}, []string{"result"}),
			discovered: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "omnimesh_discovered_devices",
				Help: "Number of LAN devices currently tracked by discovery.",
			}),
			sessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "omnimesh_authenticated_sessions",
				Help: "Number of peers promoted to authenticated sessions.",
			}),
			replaySize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "omnimesh_replay_guard_size",
				Help: "Number of nonces tracked by the replay guard.",
			}),
			replayEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "omnimesh_replay_guard_evicted_total",
				Help: "Number of replay guard entries evicted due to capacity.",
			}),
			reconnectTries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "omnimesh_reconnect_attempts_total",
				Help: "Number of reconnection attempts scheduled across peers.",
			}),
		}
		prometheus.MustRegister(
			mm.handshakes, mm.registrations, mm.discovered, mm.sessions,
			mm.replaySize, mm.replayEvicted, mm.reconnectTries,
		)
		sharedMetrics = mm
	})
	return sharedMetrics
}

// RecordRegistration counts a node registration outcome. Exposed for the
// trust registry, which lives outside this package but shares the metric
// namespace.
func RecordRegistration(result string) {
	newMeshMetrics().recordRegistration(result)
}

func (m *meshMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *meshMetrics) recordRegistration(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.registrations.WithLabelValues(result).Inc()
}

func (m *meshMetrics) observeDiscovered(count int) {
	if m == nil {
		return
	}
	m.discovered.Set(float64(count))
}

func (m *meshMetrics) observeSessions(count int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(count))
}

func (m *meshMetrics) observeReplaySize(size int) {
	if m == nil {
		return
	}
	m.replaySize.Set(float64(size))
}

func (m *meshMetrics) observeReplayEvicted(delta int) {
	if m == nil || delta <= 0 {
		return
	}
	m.replayEvicted.Add(float64(delta))
}

func (m *meshMetrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnectTries.Inc()
}
