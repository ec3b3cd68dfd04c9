package pingback

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricCallbacksTotal     = "pingback_callbacks_total"
	MetricOutcomesTotal      = "pingback_outcomes_total"
	MetricCreditGranted      = "pingback_credit_granted_total"
	MetricProcessingDuration = "pingback_processing_duration_seconds"
)

// Metrics contains Prometheus metrics for callback processing.
// All operations are thread-safe.
type Metrics struct {
	callbacksTotal     *prometheus.CounterVec
	outcomesTotal      *prometheus.CounterVec
	creditGranted      *prometheus.CounterVec
	processingDuration *prometheus.HistogramVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		callbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCallbacksTotal,
				Help: "Total number of callbacks by source and response (ok, fail, dropped)",
			},
			[]string{"source", "response"},
		),
		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricOutcomesTotal,
				Help: "Total number of admitted events by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		creditGranted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricCreditGranted,
				Help: "Total credit granted to accounts by source",
			},
			[]string{"source"},
		),
		processingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricProcessingDuration,
				Help:    "Callback processing duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
			},
			[]string{"source"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncCallbacks increments the callback counter for a response.
func (m *Metrics) IncCallbacks(source, response string) {
	m.callbacksTotal.WithLabelValues(source, response).Inc()
}

// IncOutcome increments the outcome counter.
func (m *Metrics) IncOutcome(source, outcome string) {
	m.outcomesTotal.WithLabelValues(source, outcome).Inc()
}

// AddCreditGranted adds to the granted credit counter.
func (m *Metrics) AddCreditGranted(source string, credit int64) {
	if credit <= 0 {
		return
	}
	m.creditGranted.WithLabelValues(source).Add(float64(credit))
}

// ObserveProcessingDuration records a processing duration sample.
func (m *Metrics) ObserveProcessingDuration(source string, seconds float64) {
	m.processingDuration.WithLabelValues(source).Observe(seconds)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.callbacksTotal,
		m.outcomesTotal,
		m.creditGranted,
		m.processingDuration,
	}
}
