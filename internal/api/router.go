package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/boogie/internal/idempotency"
	"github.com/onnwee/boogie/internal/middleware"
)

// ServiceName is reported by GET / and used as the tracing service name.
const ServiceName = "boogie-api"

// Version is the API version reported by GET /.
const Version = "0.1.0"

// RouterConfig holds the handlers and middleware dependencies of the API.
type RouterConfig struct {
	Venues *VenueHandlers
	Live   *LiveHandlers
	Health *HealthHandlers
	// Follows enables venue following when set.
	Follows *FollowHandlers

	// Auth validates bearer tokens on write endpoints.
	Auth middleware.TokenValidator

	// ReportLimiter limits writes per user. Nil disables rate limiting.
	ReportLimiter middleware.RateLimitStore
	ReportLimit   middleware.RateLimitConfig

	// Idempotency enables Idempotency-Key replay on writes when set.
	Idempotency idempotency.Repository

	// Metrics is exposed on GET /metrics when set.
	MetricsHandler    http.Handler
	MiddlewareMetrics *middleware.Metrics

	Logger *slog.Logger
}

// NewRouter registers every route on a ServeMux.
func NewRouter(cfg RouterConfig) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	write := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if cfg.Idempotency != nil {
			handler = middleware.Idempotency(cfg.Idempotency, cfg.MiddlewareMetrics, logger)(handler)
		}
		if cfg.ReportLimiter != nil {
			handler = middleware.RateLimiter(cfg.ReportLimiter, cfg.ReportLimit, middleware.UserKeyFunc(), cfg.MiddlewareMetrics)(handler)
		}
		return middleware.RequireAuth(cfg.Auth, logger)(handler)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /venues", cfg.Venues.ListVenues)
	mux.HandleFunc("GET /venues/{id}", cfg.Venues.GetVenue)
	mux.Handle("POST /venues/{id}/vibe-reports", write(cfg.Venues.SubmitVibeReport))
	mux.Handle("POST /venues/{id}/geofence-events", write(cfg.Venues.RecordGeofenceEvent))
	if cfg.Live != nil {
		mux.HandleFunc("GET /venues/{id}/live", cfg.Live.Subscribe)
	}

	if cfg.Follows != nil {
		authed := func(h http.HandlerFunc) http.Handler {
			return middleware.RequireAuth(cfg.Auth, logger)(h)
		}
		mux.Handle("PUT /venues/{id}/follow", authed(cfg.Follows.Follow))
		mux.Handle("DELETE /venues/{id}/follow", authed(cfg.Follows.Unfollow))
		mux.Handle("GET /venues/{id}/follow", authed(cfg.Follows.Status))
		mux.Handle("GET /me/following", authed(cfg.Follows.List))
		mux.Handle("GET /me/following/live", authed(cfg.Follows.Live))
	}

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r.Context(), http.StatusOK, map[string]string{
			"service": ServiceName,
			"version": Version,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	return mux
}
