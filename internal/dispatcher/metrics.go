package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "xmlsender"

// Delivery outcomes reported in xmlsender_deliveries_total
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Collector is a prometheus.Collector for the delivery worker pool
type Collector struct {
	deliveries *prometheus.CounterVec
	attempts   prometheus.Counter
	inFlight   prometheus.Gauge
	duration   prometheus.Histogram
}

// NewMetricsCollector returns a new Collector
func NewMetricsCollector() *Collector {
	return &Collector{
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_total",
				Help:      "Documents that reached a terminal status, by outcome.",
			}, []string{"outcome"},
		),
		attempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_attempts_total",
				Help:      "Calls made to the delivery endpoint.",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "deliveries_in_flight",
				Help:      "Documents currently owned by a worker.",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time from claim to terminal status.",
				Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.deliveries.Describe(ch)
	c.attempts.Describe(ch)
	c.inFlight.Describe(ch)
	c.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.deliveries.Collect(ch)
	c.attempts.Collect(ch)
	c.inFlight.Collect(ch)
	c.duration.Collect(ch)
}
