package pnr

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestration outcomes
const (
	OutcomeEnriched   = "enriched"
	OutcomeUnresolved = "unresolved"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
)

// Metrics provides observability for Provide and Register orchestrations.
type Metrics struct {
	// Orchestration outcomes: enriched, unresolved, rejected (invalid request), failed (internal error)
	Orchestrations *prometheus.CounterVec
	// Identifier resolution replies by kind and result (resolved, not_found, failed)
	Resolutions *prometheus.CounterVec
	// Automatic patient registrations by result
	AutoRegistrations *prometheus.CounterVec
	InFlight          prometheus.Gauge
	Duration          prometheus.Histogram
}

// NewMetrics creates the orchestration metrics and registers them with the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		Orchestrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xds_mediator_pnr_orchestrations_total",
			Help: "Total Provide and Register orchestrations by outcome",
		}, []string{"outcome"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xds_mediator_pnr_resolutions_total",
			Help: "Total identifier resolution replies by identifier kind and result",
		}, []string{"kind", "result"}),
		AutoRegistrations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "xds_mediator_pnr_auto_registrations_total",
			Help: "Total automatic patient registrations by result",
		}, []string{"result"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "xds_mediator_pnr_in_flight",
			Help: "Number of Provide and Register orchestrations in progress",
		}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "xds_mediator_pnr_duration_seconds",
			Help:    "Duration of Provide and Register orchestrations, from parsing to response",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide metrics, registered with the default Prometheus registerer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *Metrics) started() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) finished(outcome string, d time.Duration) {
	if m != nil {
		m.InFlight.Dec()
		m.Orchestrations.WithLabelValues(outcome).Inc()
		m.Duration.Observe(d.Seconds())
	}
}

func (m *Metrics) resolution(kind string, result string) {
	if m != nil {
		m.Resolutions.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) autoRegistration(result string) {
	if m != nil {
		m.AutoRegistrations.WithLabelValues(result).Inc()
	}
}
