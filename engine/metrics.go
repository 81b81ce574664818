package engine

import (
	"github.com/am6737/tproxy/api"
	"github.com/rcrowley/go-metrics"
)

type engineMetrics struct {
	sessionsActive   metrics.Counter
	sessionsRejected metrics.Meter
	dialFailures     metrics.Counter

	tcpSessions    metrics.Counter
	tcpClientBytes metrics.Meter
	tcpServerBytes metrics.Meter

	udpSessions        metrics.Counter
	udpClientDatagrams metrics.Meter
	udpServerDatagrams metrics.Meter
	udpIdleTimeouts    metrics.Counter
}

func newEngineMetrics(r metrics.Registry) *engineMetrics {
	return &engineMetrics{
		sessionsActive:   metrics.NewRegisteredCounter("engine.sessions.active", r),
		sessionsRejected: metrics.NewRegisteredMeter("engine.sessions.rejected", r),
		dialFailures:     metrics.NewRegisteredCounter("engine.dial.failures", r),

		tcpSessions:    metrics.NewRegisteredCounter("engine.tcp.sessions", r),
		tcpClientBytes: metrics.NewRegisteredMeter("engine.tcp.client_bytes", r),
		tcpServerBytes: metrics.NewRegisteredMeter("engine.tcp.server_bytes", r),

		udpSessions:        metrics.NewRegisteredCounter("engine.udp.sessions", r),
		udpClientDatagrams: metrics.NewRegisteredMeter("engine.udp.client_datagrams", r),
		udpServerDatagrams: metrics.NewRegisteredMeter("engine.udp.server_datagrams", r),
		udpIdleTimeouts:    metrics.NewRegisteredCounter("engine.udp.idle_timeouts", r),
	}
}

func (m *engineMetrics) opened(p api.FlowProtocol) {
	m.sessionsActive.Inc(1)
	switch p {
	case api.FlowProtocolTCP:
		m.tcpSessions.Inc(1)
	case api.FlowProtocolUDP:
		m.udpSessions.Inc(1)
	}
}
