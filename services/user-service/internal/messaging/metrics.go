package messaging

import (
	"github.com/md-rashed-zaman/userevents/services/user-service/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultOK      = "ok"
	resultError   = "error"
	resultSkipped = "skipped"
	resultInvalid = "invalid"
)

type Metrics struct {
	published *prometheus.CounterVec
	consumed  *prometheus.CounterVec
}

// NewMetrics registers the event counters with a zero "ok" series per event
// type. A nil registerer keeps them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "user_events_published_total",
				Help: "User events handed to the broker, by outcome.",
			},
			[]string{"event_type", "result"},
		),
		consumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "user_events_consumed_total",
				Help: "User event deliveries processed by the consumer, by outcome.",
			},
			[]string{"event_type", "result"},
		),
	}
	for _, k := range events.Kinds() {
		m.published.WithLabelValues(k.RoutingKey(), resultOK)
		m.consumed.WithLabelValues(k.RoutingKey(), resultOK)
	}
	if reg != nil {
		reg.MustRegister(m.published, m.consumed)
	}
	return m
}

func (m *Metrics) publishedInc(eventType, result string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) consumedInc(eventType, result string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(eventType, result).Inc()
}
