package geofence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricSamples        = "geofence_samples_total"
	MetricTransitions    = "geofence_transitions_total"
	MetricReportFailures = "geofence_report_failures_total"
)

// Metrics contains Prometheus metrics for geofence tracking.
type Metrics struct {
	samples        prometheus.Counter
	transitions    *prometheus.CounterVec
	reportFailures prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSamples,
			Help: "Total number of position samples evaluated",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTransitions,
			Help: "Total number of geofence transitions emitted by type",
		}, []string{"type"}),
		reportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricReportFailures,
			Help: "Total number of transitions the vibe update protocol failed to apply",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.samples, m.transitions, m.reportFailures}
}

// IncSamples increments the evaluated samples counter.
func (m *Metrics) IncSamples() {
	m.samples.Inc()
}

// IncTransitions increments the transitions counter for the event type.
func (m *Metrics) IncTransitions(t EventType) {
	m.transitions.WithLabelValues(string(t)).Inc()
}

// IncReportFailures increments the failed transitions counter.
func (m *Metrics) IncReportFailures() {
	m.reportFailures.Inc()
}
