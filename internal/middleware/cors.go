package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// IdempotentReplayedHeader marks a response served from the idempotency store.
const IdempotentReplayedHeader = "Idempotent-Replayed"

// Browser clients read venues, post vibe reports and geofence events, and
// need the rate limit and replay headers of those writes.
var (
	corsAllowedMethods = strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}, ", ")
	corsAllowedHeaders = strings.Join([]string{"Content-Type", "Authorization", RequestIDHeader, IdempotencyKeyHeader}, ", ")
	corsExposedHeaders = strings.Join([]string{"Retry-After", RequestIDHeader, IdempotentReplayedHeader}, ", ")
)

// CORSConfig configures the CORS middleware.
type CORSConfig struct {
	// AllowedOrigins is the exact-match origin allowlist. Empty disables CORS.
	AllowedOrigins   []string
	AllowCredentials bool
	// MaxAge is the preflight cache duration in seconds.
	MaxAge int
}

// CORS validates the Origin of cross-origin requests against an explicit
// allowlist and answers preflight requests. Requests without an Origin header
// pass through; a listed origin is echoed back; any other origin gets 403
// forbidden_origin.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}

	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed[origin] {
				SetErrorCode(r.Context(), "forbidden_origin")
				writeJSONError(w, http.StatusForbidden, "forbidden_origin", "Origin not allowed")
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
			next.ServeHTTP(w, r)
		})
	}
}
