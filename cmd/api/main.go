// Package main is the entry point for the vibe API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/boogie/internal/api"
	"github.com/onnwee/boogie/internal/app"
	"github.com/onnwee/boogie/internal/auth"
	"github.com/onnwee/boogie/internal/broadcast"
	"github.com/onnwee/boogie/internal/config"
	"github.com/onnwee/boogie/internal/health"
	"github.com/onnwee/boogie/internal/idempotency"
	"github.com/onnwee/boogie/internal/jobs"
	"github.com/onnwee/boogie/internal/middleware"
	"github.com/onnwee/boogie/internal/report"
	"github.com/onnwee/boogie/internal/tracing"
)

const (
	shutdownTimeout      = 10 * time.Second
	rateLimitCleanup     = time.Minute
	idempotencyCleanup   = time.Hour
	idempotencyRedisTTL  = idempotency.DefaultExpiry
	readHeaderTimeout    = 5 * time.Second
	serverReadTimeout    = 15 * time.Second
	serverWriteTimeout   = 15 * time.Second
	serverIdleConnection = 60 * time.Second
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to a YAML config file")
	seedPath := flag.String("seed", "", "venue seed file loaded at startup (overrides VENUE_SEED_FILE)")
	flag.Parse()

	if *help {
		fmt.Println("Boogie API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if cfg == nil {
		fmt.Fprintln(os.Stderr, errs[0])
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", slog.String("error", err.Error()))
		}
		os.Exit(1)
	}
	if *seedPath != "" {
		cfg.VenueSeedFile = *seedPath
	}
	logger.Info("configuration loaded", slog.Any("config", cfg.LogSummary()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run serves the API until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    api.ServiceName,
		ServiceVersion: api.Version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close store", slog.String("error", err.Error()))
		}
	}()

	if err := app.SeedFromFile(ctx, backend.Store, cfg.VenueSeedFile, logger); err != nil {
		return fmt.Errorf("failed to seed venues: %w", err)
	}

	handler, stopBackground, err := newHandler(cfg, backend, prometheus.NewRegistry(), logger)
	if err != nil {
		return err
	}
	defer stopBackground()

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       serverReadTimeout,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       serverIdleConnection,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// newHandler assembles the service graph on an opened backend and returns the
// root handler plus a function stopping background cleanup.
func newHandler(cfg *config.Config, backend *app.Backend, reg *prometheus.Registry, logger *slog.Logger) (http.Handler, func(), error) {
	reportMetrics := report.NewMetrics()
	mwMetrics := middleware.NewMetrics()
	for _, register := range []func(prometheus.Registerer) error{reportMetrics.Register, mwMetrics.Register} {
		if err := register(reg); err != nil {
			return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("failed to register job metrics: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, nil, fmt.Errorf("failed to register go collector: %w", err)
	}

	service := report.NewService(backend.Store, report.Config{
		Logger:  logger,
		Metrics: reportMetrics,
	})
	hub := broadcast.NewHub(logger)
	service.Subscribe(hub)

	bgCtx, stopBackground := context.WithCancel(context.Background())

	var limiter middleware.RateLimitStore
	var idempotent idempotency.Repository
	if backend.Redis != nil {
		limiter = middleware.NewRedisRateLimitStore(backend.Redis).
			WithMetrics(mwMetrics).
			WithLogger(logger)
		idempotent = idempotency.NewRedisRepository(backend.Redis, idempotencyRedisTTL)
	} else {
		memLimiter := middleware.NewInMemoryRateLimitStore()
		go jobs.RunPeriodic(bgCtx, jobs.Job{
			Name:     jobs.JobTypeRateLimitCleanup,
			Interval: rateLimitCleanup,
			Run: func(context.Context) error {
				memLimiter.Cleanup()
				return nil
			},
		}, jobMetrics, logger)
		limiter = memLimiter

		memIdempotency := idempotency.NewInMemoryRepository()
		cleanup := idempotency.CleanupJob(memIdempotency, idempotencyCleanup, idempotency.DefaultExpiry, logger)
		go jobs.RunPeriodic(bgCtx, cleanup, jobMetrics, logger)
		idempotent = memIdempotency
	}

	healthCfg := api.HealthHandlersConfig{Logger: logger}
	if backend.DB != nil {
		healthCfg.DBChecker = health.NewDBChecker(backend.DB)
	}
	if backend.Redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(backend.Redis)
	}

	mux := api.NewRouter(api.RouterConfig{
		Venues:        api.NewVenueHandlers(backend.Store, service, logger),
		Live:          api.NewLiveHandlers(backend.Store, hub, cfg.CORSAllowedOrigins, logger),
		Health:        api.NewHealthHandlers(healthCfg),
		Follows:       api.NewFollowHandlers(backend.Store, backend.Follows, hub, cfg.CORSAllowedOrigins, logger),
		Auth:          auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret),
		ReportLimiter: limiter,
		ReportLimit: middleware.RateLimitConfig{
			RequestsPerWindow: cfg.ReportRateLimitPerMinute,
			WindowDuration:    time.Minute,
		},
		Idempotency:       idempotent,
		MetricsHandler:    promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		MiddlewareMetrics: mwMetrics,
		Logger:            logger,
	})

	// RequestID -> Logging -> HTTPMetrics -> Tracing -> CORS -> Profiling -> routes
	var handler http.Handler = mux
	handler = middleware.Profiling(middleware.ProfilingConfig{
		Enabled:     cfg.ProfilingEnabled,
		Environment: cfg.Env,
		Logger:      logger,
	})(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxAge:         3600,
	})(handler)
	handler = middleware.Tracing(api.ServiceName)(handler)
	handler = middleware.HTTPMetrics(mwMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)

	return handler, stopBackground, nil
}
