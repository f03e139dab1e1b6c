// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the tunnel runtime. A nil *Metrics is valid
// and records nothing, so components can be built without an endpoint.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fasttun"

// Metrics groups every collector the runtime updates.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	TunnelsActive      prometheus.Gauge
	BridgesActive      prometheus.Gauge
	DatagramsIn        prometheus.Counter
	DatagramsOut       prometheus.Counter
	DatagramsUnmatched prometheus.Counter
	DatagramsDropped   prometheus.Counter
	SessionTeardowns   *prometheus.CounterVec
	HeartbeatTimeouts  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg. A nil
// reg leaves them unregistered, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active",
			Help: "Sessions currently holding a control channel.",
		}),
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tunnels_active",
			Help: "Live KCP tunnels across the tunnel group.",
		}),
		BridgesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "bridges_active",
			Help: "Local TCP connections paired with a session.",
		}),
		DatagramsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_in_total",
			Help: "UDP datagrams accepted by a tunnel.",
		}),
		DatagramsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_out_total",
			Help: "UDP datagrams handed to the kernel.",
		}),
		DatagramsUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_unmatched_total",
			Help: "UDP datagrams no tunnel accepted.",
		}),
		DatagramsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "datagrams_dropped_total",
			Help: "Outbound UDP datagrams dropped on send failure or a full send queue.",
		}),
		SessionTeardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_teardowns_total",
			Help: "Session teardowns by cause.",
		}, []string{"reason"}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_timeouts_total",
			Help: "Sessions torn down by the liveness check.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsActive, m.TunnelsActive, m.BridgesActive,
			m.DatagramsIn, m.DatagramsOut, m.DatagramsUnmatched, m.DatagramsDropped,
			m.SessionTeardowns, m.HeartbeatTimeouts,
		)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed(reason string) {
	if m != nil {
		m.SessionsActive.Dec()
		m.SessionTeardowns.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) TunnelOpened() {
	if m != nil {
		m.TunnelsActive.Inc()
	}
}

func (m *Metrics) TunnelClosed() {
	if m != nil {
		m.TunnelsActive.Dec()
	}
}

func (m *Metrics) BridgeOpened() {
	if m != nil {
		m.BridgesActive.Inc()
	}
}

func (m *Metrics) BridgeClosed() {
	if m != nil {
		m.BridgesActive.Dec()
	}
}

func (m *Metrics) DatagramIn() {
	if m != nil {
		m.DatagramsIn.Inc()
	}
}

func (m *Metrics) DatagramOut() {
	if m != nil {
		m.DatagramsOut.Inc()
	}
}

func (m *Metrics) DatagramUnmatched() {
	if m != nil {
		m.DatagramsUnmatched.Inc()
	}
}

func (m *Metrics) DatagramDropped() {
	if m != nil {
		m.DatagramsDropped.Inc()
	}
}

func (m *Metrics) HeartbeatTimeout() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}
