package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	DeliveryPublished  = "published"
	DeliveryRetry      = "retry"
	DeliveryDeadLetter = "dead_letter"
)

// OutboxMetrics counts relay deliveries by event type and outcome.
type OutboxMetrics struct {
	deliveries *prometheus.CounterVec
	batches    prometheus.Histogram
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mate_outbox_deliveries_total",
		Help: "Outbox relay delivery outcomes.",
	}, []string{"event_type", "outcome"})
	batches := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mate_outbox_batch_size",
		Help:    "Rows claimed per relay batch.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
	})
	reg.MustRegister(deliveries, batches)
	return &OutboxMetrics{deliveries: deliveries, batches: batches}
}

func (m *OutboxMetrics) RecordDelivery(eventType, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(eventType, outcome).Inc()
}

func (m *OutboxMetrics) ObserveBatch(size int) {
	if m == nil || m.batches == nil {
		return
	}
	m.batches.Observe(float64(size))
}
