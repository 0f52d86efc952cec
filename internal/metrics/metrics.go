// Package metrics records delivery outcomes with Prometheus collectors.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery status label values.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Metrics holds the delivery collectors registered on a single registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	Deliveries       *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
}

// New registers the delivery collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailfan_deliveries_total",
				Help: "Total number of delivery attempts by provider and outcome",
			},
			[]string{"provider", "status"}, // status: sent, failed
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailfan_delivery_duration_seconds",
				Help:    "Time spent delivering a single message in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
			},
			[]string{"provider"},
		),
	}
}

// RecordDelivery records one delivery outcome. A nil Metrics is a no-op.
func (m *Metrics) RecordDelivery(provider string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := StatusSent
	if err != nil {
		status = StatusFailed
	}
	m.Deliveries.WithLabelValues(provider, status).Inc()
	m.DeliveryDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// WriteTextfile writes every registered metric to path in the text
// exposition format read by node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
