package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

const pprofPrefix = "/debug/pprof"

// ProfilingConfig configures the profiling middleware.
type ProfilingConfig struct {
	// Enabled exposes /debug/pprof/*. Never set in production.
	Enabled bool

	// Environment is checked again here; "production" and "prod" always
	// disable profiling.
	Environment string

	Logger *slog.Logger
}

// Profiling returns middleware serving pprof endpoints under /debug/pprof.
// Every other path goes to next. Disabled configs return next unchanged.
func Profiling(config ProfilingConfig) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}
		if config.Environment == "production" || config.Environment == "prod" {
			logger.Error("profiling refused in production environment",
				slog.String("environment", config.Environment))
			return next
		}

		logger.Warn("profiling endpoints enabled",
			slog.String("environment", config.Environment),
			slog.String("endpoints", pprofPrefix+"/*"))

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, pprofPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			switch r.URL.Path {
			case pprofPrefix + "/cmdline":
				pprof.Cmdline(w, r)
			case pprofPrefix + "/profile":
				pprof.Profile(w, r)
			case pprofPrefix + "/symbol":
				pprof.Symbol(w, r)
			case pprofPrefix + "/trace":
				pprof.Trace(w, r)
			default:
				// Index also serves named profiles such as heap and goroutine.
				pprof.Index(w, r)
			}
		})
	}
}
