package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported by the HTTP edge.
const (
	MetricHTTPRequestsTotal   = "http_requests_total"
	MetricHTTPRequestDuration = "http_request_duration_seconds"
	MetricReportLimitChecks   = "venue_write_limit_checks_total"
	MetricReportLimitBlocked  = "venue_write_limit_blocked_total"
	MetricReportLimitFailOpen = "venue_write_limit_fail_open_total"
	MetricIdempotentReplays   = "venue_write_replays_total"
)

// Metrics holds the Prometheus collectors of the HTTP middleware: request
// counts and latency per route, and the guards in front of venue writes
// (per-user rate limit and Idempotency-Key replay).
type Metrics struct {
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	limitChecks      *prometheus.CounterVec
	limitBlocked     *prometheus.CounterVec
	limitFailOpen    prometheus.Counter
	idempotentReplay *prometheus.CounterVec
}

// NewMetrics creates unregistered middleware metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "HTTP requests by method, route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: MetricHTTPRequestDuration,
				Help: "HTTP request latency by method, route and status",
				// Report writes include a store transaction with retries.
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 1, 2.5},
			},
			[]string{"method", "route", "status"},
		),
		limitChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReportLimitChecks,
				Help: "Rate limit checks on venue write routes by key type",
			},
			[]string{"route", "key_type"},
		),
		limitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricReportLimitBlocked,
				Help: "Venue writes rejected with 429 by key type",
			},
			[]string{"route", "key_type"},
		),
		limitFailOpen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricReportLimitFailOpen,
				Help: "Venue writes let through because the Redis limiter was unavailable",
			},
		),
		idempotentReplay: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricIdempotentReplays,
				Help: "Venue writes answered from a stored Idempotency-Key response",
			},
			[]string{"route"},
		),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.httpRequests,
		m.httpDuration,
		m.limitChecks,
		m.limitBlocked,
		m.limitFailOpen,
		m.idempotentReplay,
	}
}

// IncRateLimitRequests counts a rate limit check on route.
func (m *Metrics) IncRateLimitRequests(route, keyType string) {
	m.limitChecks.WithLabelValues(route, keyType).Inc()
}

// IncRateLimitBlocked counts a write rejected by the rate limiter.
func (m *Metrics) IncRateLimitBlocked(route, keyType string) {
	m.limitBlocked.WithLabelValues(route, keyType).Inc()
}

// IncRateLimitRedisErrors counts a fail-open decision of the Redis limiter.
func (m *Metrics) IncRateLimitRedisErrors() {
	m.limitFailOpen.Inc()
}

// IncIdempotentReplay counts a write answered from the idempotency store.
func (m *Metrics) IncIdempotentReplay(route string) {
	m.idempotentReplay.WithLabelValues(route).Inc()
}

// ObserveHTTPRequest records one served request on its normalized route.
func (m *Metrics) ObserveHTTPRequest(method, route, status string, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
