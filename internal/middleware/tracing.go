package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attributes added to every venue request.
const (
	AttrVenueID = attribute.Key("boogie.venue_id")
	AttrUserID  = attribute.Key("enduser.id")
)

// pollingRoutes are hit by orchestrators and scrapers and are not traced.
var pollingRoutes = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// Tracing wraps the handler in an otelhttp server span named after the
// normalized route, e.g. "POST /venues/{id}/vibe-reports". W3C trace
// context from the client is continued. The span carries the venue ID of
// /venues/{id}/* routes and the user ID set by RequireAuth, and the trace
// ID is handed to Logging for the access log.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		annotated := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := trace.SpanFromContext(r.Context())
			if id := venueIDFromPath(r.URL.Path); id != "" {
				span.SetAttributes(AttrVenueID.String(id))
			}
			if s := stateFrom(r.Context()); s != nil {
				s.mu.Lock()
				s.traceID = GetTraceID(r)
				s.mu.Unlock()
			}

			next.ServeHTTP(w, r)

			if s := stateFrom(r.Context()); s != nil {
				s.mu.Lock()
				userID := s.userID
				s.mu.Unlock()
				if userID != "" {
					span.SetAttributes(AttrUserID.String(userID))
				}
			}
		})

		return otelhttp.NewHandler(annotated, serviceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + normalizePath(r.URL.Path)
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return !pollingRoutes[r.URL.Path]
			}),
		)
	}
}

// GetTraceID returns the trace ID of the request's span, or "".
func GetTraceID(r *http.Request) string {
	spanCtx := trace.SpanContextFromContext(r.Context())
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// venueIDFromPath returns the {id} segment of /venues/{id} routes.
func venueIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/venues/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
