package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts protocol traffic. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Handled       *prometheus.CounterVec
	Published     *prometheus.CounterVec
	FetchFailures prometheus.Counter
	TableSize     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pc",
			Subsystem: "engine",
			Name:      "messages_handled_total",
			Help:      "Inbound protocol messages by topic and verdict.",
		}, []string{"topic", "verdict"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "p2pc",
			Subsystem: "engine",
			Name:      "messages_published_total",
			Help:      "Outbound protocol messages by topic.",
		}, []string{"topic"}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "p2pc",
			Subsystem: "engine",
			Name:      "fetch_failures_total",
			Help:      "Content fetches that failed, timed out or did not decode.",
		}),
		TableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "p2pc",
			Subsystem: "engine",
			Name:      "table_comments",
			Help:      "Resolved comments for the active discussion.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Handled, m.Published, m.FetchFailures, m.TableSize)
	}
	return m
}

func (m *Metrics) handled(topic string, v Verdict) {
	if m == nil {
		return
	}
	m.Handled.WithLabelValues(topic, v.String()).Inc()
}

func (m *Metrics) published(topic string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(topic).Inc()
}

func (m *Metrics) fetchFailed() {
	if m == nil {
		return
	}
	m.FetchFailures.Inc()
}

func (m *Metrics) tableSize(n int) {
	if m == nil {
		return
	}
	m.TableSize.Set(float64(n))
}
