// Package metrics exposes the signaling server's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callsignal"

// Drop reasons for DroppedTotal. Routing misses are expected conditions
// (races between leave/disconnect and in-flight messages), counted rather
// than surfaced to senders.
const (
	DropReasonOfflineTarget = "offline_target"
	DropReasonAbsentMember  = "absent_member"
	DropReasonMalformed     = "malformed"
	DropReasonRateLimited   = "rate_limited"
	DropReasonQueueFull     = "queue_full"
	DropReasonUnknownEvent  = "unknown_event"
)

// Metrics owns a private registry so tests can construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsCurrent  prometheus.Gauge
	RoomsCurrent        prometheus.Gauge
	ParticipantsCurrent prometheus.Gauge
	InvitesCurrent      prometheus.Gauge

	EventsTotal  *prometheus.CounterVec
	DroppedTotal *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "current",
			Help:      "Open websocket connections.",
		}),
		RoomsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rooms",
			Name:      "current",
			Help:      "Call rooms with at least one member.",
		}),
		ParticipantsCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "participants",
			Name:      "current",
			Help:      "Room membership entries across all call rooms.",
		}),
		InvitesCurrent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "invites",
			Name:      "current",
			Help:      "Call invites currently ringing.",
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound signaling events by event name.",
		}, []string{"event"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Messages dropped by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionsCurrent,
		m.RoomsCurrent,
		m.ParticipantsCurrent,
		m.InvitesCurrent,
		m.EventsTotal,
		m.DroppedTotal,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
