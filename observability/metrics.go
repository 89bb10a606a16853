package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the dispatch subsystem.
type Metrics struct {
	EventsDispatchedTotal prometheus.Counter
	DeliveriesTotal       *prometheus.CounterVec
	DeliveryDuration      prometheus.Histogram
	PendingDeliveries     prometheus.Gauge
	DeliveriesPurged      prometheus.Counter
}

// NewMetrics creates and registers dispatch metric instruments on the given
// registerer. Pass prometheus.DefaultRegisterer for standalone usage, or a
// dedicated registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsDispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_events_total",
			Help: "Total events accepted for dispatch.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_deliveries_total",
			Help: "Total delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_delivery_duration_seconds",
			Help:    "Duration of delivery attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pending_deliveries",
			Help: "Deliveries currently awaiting an attempt.",
		}),
		DeliveriesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_deliveries_purged_total",
			Help: "Delivery records removed by retention cleanup.",
		}),
	}

	reg.MustRegister(
		m.EventsDispatchedTotal,
		m.DeliveriesTotal,
		m.DeliveryDuration,
		m.PendingDeliveries,
		m.DeliveriesPurged,
	)
	return m
}

// RecordAttempt records one delivery attempt with its outcome and duration.
func (m *Metrics) RecordAttempt(outcome string, seconds float64) {
	m.DeliveriesTotal.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(seconds)
}
