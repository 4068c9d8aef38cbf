// Package metrics holds the Prometheus collectors for the hub.
//
// The collectors are registered on the Registerer passed to New, never on
// the global default registry, so several hubs (and tests) can coexist in
// one process. A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	m := metrics.New(prometheus.NewRegistry())
//	m.Dispatched("typing")
//	m.CallFinished("ended", 42*time.Second)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chathub"

type Metrics struct {
	// EventsDispatched counts listener deliveries.
	// Labels: kind
	EventsDispatched *prometheus.CounterVec

	// EventsDiscarded counts inbound events dropped before delivery.
	// Labels: reason (no_listeners|stale_handle)
	EventsDiscarded *prometheus.CounterVec

	// ListenerFailures counts listeners that returned an error or panicked.
	// Labels: kind
	ListenerFailures *prometheus.CounterVec

	// BroadcastFailures counts broadcasts that were not sent.
	// Labels: kind, reason (no_channel|send_error|encode_error)
	BroadcastFailures *prometheus.CounterVec

	// ChannelsOpen is the number of transport channels currently open.
	ChannelsOpen prometheus.Gauge

	// Calls counts call sessions reaching a terminal state.
	// Labels: outcome (ended|declined|failed)
	Calls *prometheus.CounterVec

	// CallDuration measures connected call time in seconds.
	// Buckets: 10s, 30s, 60s, 300s, 900s, 1800s, 3600s
	CallDuration prometheus.Histogram

	// Notifications counts routed notifications.
	// Labels: priority
	Notifications *prometheus.CounterVec

	// PresenceRecords is the number of remote presence records held.
	PresenceRecords prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Inbound events delivered to listeners.",
		}, []string{"kind"}),
		EventsDiscarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Inbound events dropped before reaching any listener.",
		}, []string{"reason"}),
		ListenerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Listener callbacks that returned an error or panicked.",
		}, []string{"kind"}),
		BroadcastFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failures_total",
			Help:      "Broadcasts that could not be sent.",
		}, []string{"kind", "reason"}),
		ChannelsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Transport channels currently open.",
		}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Call sessions by terminal outcome.",
		}, []string{"outcome"}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of ended calls.",
			Buckets:   []float64{10, 30, 60, 300, 900, 1800, 3600},
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications routed to the local user.",
		}, []string{"priority"}),
		PresenceRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_records",
			Help:      "Remote presence records currently tracked.",
		}),
	}
}

func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.EventsDispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) Discarded(reason string) {
	if m == nil {
		return
	}
	m.EventsDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) ListenerFailed(kind string) {
	if m == nil {
		return
	}
	m.ListenerFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) BroadcastFailed(kind, reason string) {
	if m == nil {
		return
	}
	m.BroadcastFailures.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) SetChannelsOpen(n int) {
	if m == nil {
		return
	}
	m.ChannelsOpen.Set(float64(n))
}

// CallFinished records a terminal call. duration is only observed for
// calls that actually connected (duration > 0).
func (m *Metrics) CallFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.CallDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) NotificationRouted(priority string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(priority).Inc()
}

func (m *Metrics) SetPresenceRecords(n int) {
	if m == nil {
		return
	}
	m.PresenceRecords.Set(float64(n))
}
