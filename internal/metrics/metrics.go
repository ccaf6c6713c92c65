// Package metrics exposes the controller's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set bundles the controller collectors behind one value so callers don't
// touch the prometheus registry directly.
type Set struct {
	probeRTT        *prometheus.HistogramVec
	probeFailures   *prometheus.CounterVec
	precision       *prometheus.GaugeVec
	connectedNodes  prometheus.Gauge
	sessionStates   *prometheus.CounterVec
	excludedNodes   *prometheus.CounterVec
	degradedSignals prometheus.Counter
}

// NewSet builds and registers the collectors on reg.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		probeRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capctl_probe_rtt_seconds",
			Help:    "Round-trip latency of clock probes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"node_id"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capctl_probe_failures_total",
			Help: "Clock probes that timed out or failed.",
		}, []string{"node_id"}),
		precision: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capctl_sync_precision_seconds",
			Help: "Standard deviation of retained offset samples per node.",
		}, []string{"node_id"}),
		connectedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capctl_connected_nodes",
			Help: "Nodes with a live control channel.",
		}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capctl_session_transitions_total",
			Help: "Session state machine transitions by target state.",
		}, []string{"state"}),
		excludedNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capctl_session_exclusions_total",
			Help: "Participants excluded from sessions by reason.",
		}, []string{"reason"}),
		degradedSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capctl_node_degraded_total",
			Help: "Heartbeat-miss degradations observed.",
		}),
	}
	reg.MustRegister(
		s.probeRTT, s.probeFailures, s.precision,
		s.connectedNodes, s.sessionStates, s.excludedNodes, s.degradedSignals,
	)
	return s
}

// ObserveProbe implements syncengine.Observer.
func (s *Set) ObserveProbe(nodeID string, rtt time.Duration, err error) {
	if err != nil {
		s.probeFailures.WithLabelValues(nodeID).Inc()
		return
	}
	s.probeRTT.WithLabelValues(nodeID).Observe(rtt.Seconds())
}

// SetPrecision implements syncengine.Observer.
func (s *Set) SetPrecision(nodeID string, precision time.Duration) {
	s.precision.WithLabelValues(nodeID).Set(precision.Seconds())
}

// SetConnected records the size of the live fleet.
func (s *Set) SetConnected(n int) {
	s.connectedNodes.Set(float64(n))
}

// SessionTransition counts a state machine move.
func (s *Set) SessionTransition(state string) {
	s.sessionStates.WithLabelValues(state).Inc()
}

// NodeExcluded counts a session exclusion by reason.
func (s *Set) NodeExcluded(reason string) {
	s.excludedNodes.WithLabelValues(reason).Inc()
}

// NodeDegraded counts a heartbeat degradation.
func (s *Set) NodeDegraded() {
	s.degradedSignals.Inc()
}
