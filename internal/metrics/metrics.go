package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "microgen"
	subsystem = "realtime"
)

// Lookup outcomes recorded by ChannelLookup
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupFailure = "failure"
)

// Metrics holds Prometheus collectors for the realtime client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeSubscriptions   prometheus.Gauge
	replacedSubscriptions prometheus.Counter
	connects              prometheus.Counter
	disconnects           prometheus.Counter
	events                *prometheus.CounterVec // by event type
	ignoredFrames         prometheus.Counter
	transportErrors       prometheus.Counter
	lookups               *prometheus.CounterVec // by outcome
}

// NewMetrics creates the collectors and registers them with reg.
// A nil registerer disables metrics and returns nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_subscriptions",
			Help:      "Number of subscriptions currently held by the registry",
		}),
		replacedSubscriptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriptions_replaced_total",
			Help:      "Subscriptions closed because a newer one took the same name",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connects_total",
			Help:      "WebSocket connections opened, including reconnects",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Unexpected WebSocket disconnects",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Realtime events delivered to handlers",
		}, []string{"type"}),
		ignoredFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ignored_frames_total",
			Help:      "Inbound frames that did not match the event envelope",
		}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transport_errors_total",
			Help:      "Transport errors reported by sockets",
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "channel_lookups_total",
			Help:      "Channel id lookups by outcome",
		}, []string{"outcome"}),
	}

	collectors := []prometheus.Collector{
		m.activeSubscriptions,
		m.replacedSubscriptions,
		m.connects,
		m.disconnects,
		m.events,
		m.ignoredFrames,
		m.transportErrors,
		m.lookups,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.activeSubscriptions.Dec()
}

// SubscriptionReplaced records a replacement; the active gauge is unchanged
func (m *Metrics) SubscriptionReplaced() {
	if m == nil {
		return
	}
	m.replacedSubscriptions.Inc()
}

func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

func (m *Metrics) Disconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}

func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *Metrics) FrameIgnored() {
	if m == nil {
		return
	}
	m.ignoredFrames.Inc()
}

func (m *Metrics) TransportError() {
	if m == nil {
		return
	}
	m.transportErrors.Inc()
}

// ChannelLookup records a lookup with one of LookupHit, LookupMiss, LookupFailure
func (m *Metrics) ChannelLookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}
