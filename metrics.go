package rill

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
)

// Metrics holds the prometheus collectors a Client updates. A nil *Metrics
// records nothing.
type Metrics struct {
	Fetches       *prometheus.CounterVec
	Mutations     *prometheus.CounterVec
	Changes       *prometheus.CounterVec
	Invalidations prometheus.Counter
	Subscriptions prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rill",
			Name:      "fetches_total",
			Help:      "Live query and result fetches by collection and outcome.",
		}, []string{"collection", "outcome"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rill",
			Name:      "mutations_total",
			Help:      "Writes by collection, operation and outcome.",
		}, []string{"collection", "operation", "outcome"}),
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rill",
			Name:      "change_events_total",
			Help:      "Change events received by live queries, by disposition.",
		}, []string{"collection", "type", "disposition"}),
		Invalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rill",
			Name:      "key_invalidations_total",
			Help:      "Keys invalidated through the client.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rill",
			Name:      "active_subscriptions",
			Help:      "Realtime subscriptions currently open.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Fetches, m.Mutations, m.Changes, m.Invalidations, m.Subscriptions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) fetched(collection string, err error) {
	if m == nil {
		return
	}
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeError
	}
	m.Fetches.WithLabelValues(collection, outcome).Inc()
}

func (m *Metrics) mutated(collection, op, outcome string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(collection, op, outcome).Inc()
}

func (m *Metrics) changed(collection string, typ EventType, applied bool) {
	if m == nil {
		return
	}
	disposition := "ignored"
	if applied {
		disposition = "applied"
	}
	m.Changes.WithLabelValues(collection, string(typ), disposition).Inc()
}

func (m *Metrics) invalidated() {
	if m == nil {
		return
	}
	m.Invalidations.Inc()
}

func (m *Metrics) subscribed(delta float64) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(delta)
}
