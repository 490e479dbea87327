package middleware

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are reported as-is in metrics and span names.
var staticRoutes = map[string]bool{
	"/":                  true,
	"/venues":            true,
	"/health":            true,
	"/ready":             true,
	"/metrics":           true,
	"/me/following":      true,
	"/me/following/live": true,
}

// venueSubroutes are the known /venues/{id}/<action> endpoints.
var venueSubroutes = map[string]bool{
	"vibe-reports":    true,
	"geofence-events": true,
	"live":            true,
	"follow":          true,
}

// unmatchedRoute collapses unknown paths into a single label value.
const unmatchedRoute = "/other"

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /venues/v-1 to /venues/{id}.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	if strings.HasPrefix(path, "/venues/") {
		parts := strings.Split(path, "/")
		// /venues/{id}
		if len(parts) == 3 && parts[2] != "" {
			return "/venues/{id}"
		}
		// /venues/{id}/<action>
		if len(parts) == 4 && parts[2] != "" && venueSubroutes[parts[3]] {
			return "/venues/{id}/" + parts[3]
		}
	}

	return unmatchedRoute
}

// metricsResponseWriter records the status code written by the handler.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(mrw.ResponseWriter, func() {
		mrw.statusCode = http.StatusSwitchingProtocols
		mrw.wroteHeader = true
	})
}

// Unwrap returns the underlying writer for http.ResponseController.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics records the count and latency of every request on its
// normalized route. Health checks on /health and /ready are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(r.Method, normalizePath(r.URL.Path), strconv.Itoa(mrw.statusCode), time.Since(start))
		})
	}
}
