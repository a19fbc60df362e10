package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsRegistered   prometheus.Counter
	sessionsDisconnected prometheus.Counter
	authAttempts         *prometheus.CounterVec // by result

	// Routing metrics
	framesReceived    *prometheus.CounterVec // by frame kind
	routingOutcomes   *prometheus.CounterVec // by kind and outcome
	fileBytesRelayed  prometheus.Counter
	broadcastFanout   prometheus.Histogram
	broadcastFailures prometheus.Counter

	// Liveness metrics
	heartbeatsReceived *prometheus.CounterVec // result: "known" / "unknown"
	staleWarnings      prometheus.Counter

	eventsDropped prometheus.Counter
}

// NewMetrics creates a metrics instance backed by its own registry, so
// several servers (e.g. in tests) can coexist in one process
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "campusrelay_active_sessions",
				Help: "Current number of active campus sessions",
			},
		),
		sessionsRegistered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusrelay_sessions_registered_total",
				Help: "Total number of sessions registered after authentication",
			},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusrelay_sessions_disconnected_total",
				Help: "Total number of sessions marked inactive",
			},
		),
		authAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusrelay_auth_attempts_total",
				Help: "Authentication attempts by result",
			},
			[]string{"result"},
		),
		framesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusrelay_frames_received_total",
				Help: "Frames received from campuses by kind",
			},
			[]string{"kind"},
		),
		routingOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusrelay_routing_outcomes_total",
				Help: "Routing decisions by frame kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		fileBytesRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusrelay_file_bytes_relayed_total",
				Help: "Declared size of files relayed to their destination",
			},
		),
		broadcastFanout: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "campusrelay_broadcast_fanout",
				Help:    "Number of campuses that received each broadcast",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		broadcastFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusrelay_broadcast_failures_total",
				Help: "Broadcast writes that failed for a single destination",
			},
		),
		heartbeatsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campusrelay_heartbeats_received_total",
				Help: "Liveness pings received, by whether the site was registered",
			},
			[]string{"result"},
		),
		staleWarnings: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusrelay_stale_session_warnings_total",
				Help: "Sweep warnings for sessions silent beyond the heartbeat timeout",
			},
		),
		eventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "campusrelay_event_log_dropped_total",
				Help: "Event log lines dropped because the buffer was full",
			},
		),
	}
}

// Registry returns the registry the metrics are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

// RecordSessionRegistered increments the session registration counter
func (m *Metrics) RecordSessionRegistered() {
	m.sessionsRegistered.Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	m.sessionsDisconnected.Inc()
}

// RecordAuthAttempt counts an authentication attempt
func (m *Metrics) RecordAuthAttempt(success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	m.authAttempts.WithLabelValues(result).Inc()
}

// RecordFrameReceived counts a frame received from a campus
func (m *Metrics) RecordFrameReceived(kind string) {
	m.framesReceived.WithLabelValues(kind).Inc()
}

// RecordRoutingOutcome counts a routing decision
func (m *Metrics) RecordRoutingOutcome(kind string, outcome Outcome) {
	m.routingOutcomes.WithLabelValues(kind, outcome.String()).Inc()
}

// RecordFileRelayed adds a relayed file's declared size
func (m *Metrics) RecordFileRelayed(size int) {
	m.fileBytesRelayed.Add(float64(size))
}

// RecordBroadcast records how many campuses a broadcast reached and how many writes failed
func (m *Metrics) RecordBroadcast(delivered, failed int) {
	m.broadcastFanout.Observe(float64(delivered))
	m.broadcastFailures.Add(float64(failed))
}

// RecordHeartbeat counts a liveness ping
func (m *Metrics) RecordHeartbeat(known bool) {
	label := "unknown"
	if known {
		label = "known"
	}
	m.heartbeatsReceived.WithLabelValues(label).Inc()
}

// RecordStaleWarning counts a stale-session sweep warning
func (m *Metrics) RecordStaleWarning() {
	m.staleWarnings.Inc()
}

// RecordEventDropped counts an event log line dropped under backpressure
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}
