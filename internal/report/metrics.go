package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/boogie/internal/vibe"
)

// Metrics names as constants for consistency.
const (
	MetricReports        = "vibe_reports_total"
	MetricAdjustDuration = "vibe_adjust_duration_seconds"
	MetricLiveCount      = "vibe_venue_live_count"
)

// Report outcomes used as the outcome label of MetricReports.
const (
	outcomeApplied         = "applied"
	outcomeNotFound        = "not_found"
	outcomeConflict        = "conflict"
	outcomeInvalid         = "invalid"
	outcomeUnauthenticated = "unauthenticated"
	outcomeError           = "error"
)

// Metrics contains Prometheus metrics for the vibe update protocol.
type Metrics struct {
	reports        *prometheus.CounterVec
	adjustDuration prometheus.Histogram
	liveCount      *prometheus.GaugeVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricReports,
			Help: "Total number of vibe signals by source and outcome",
		}, []string{"source", "outcome"}),
		adjustDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricAdjustDuration,
			Help:    "Histogram of venue count adjustment latency in seconds, including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		liveCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricLiveCount,
			Help: "Last committed live occupancy count per venue",
		}, []string{"venue_id"}),
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
	return []prometheus.Collector{
		m.reports,
		m.adjustDuration,
		m.liveCount,
	}
}

// ObserveReport counts one signal with its outcome.
func (m *Metrics) ObserveReport(source vibe.Source, outcome string) {
	m.reports.WithLabelValues(string(source), outcome).Inc()
}

// ObserveAdjustDuration records the latency of one AdjustCount call.
func (m *Metrics) ObserveAdjustDuration(d time.Duration) {
	m.adjustDuration.Observe(d.Seconds())
}

// SetLiveCount records the latest committed count of a venue.
func (m *Metrics) SetLiveCount(venueID string, count int64) {
	m.liveCount.WithLabelValues(venueID).Set(float64(count))
}
