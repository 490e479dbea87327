// Package main is the geofence tracker. It replays a device position stream
// through a tracking session and applies the resulting ENTER and EXIT
// transitions to the venue store.
//
// Input is one JSON sample per line:
//
//	{"lat":-17.7667,"lng":31.0258,"time":"2026-01-02T21:00:00Z"}
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/boogie/internal/app"
	"github.com/onnwee/boogie/internal/config"
	"github.com/onnwee/boogie/internal/geofence"
	"github.com/onnwee/boogie/internal/middleware"
	"github.com/onnwee/boogie/internal/report"
)

// maxLineBytes caps a single input line.
const maxLineBytes = 64 * 1024

// summary counts what one replay did.
type summary struct {
	Samples  int
	Skipped  int
	Enters   int
	Exits    int
	Failures int
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to a YAML config file")
	inputPath := flag.String("input", "-", "JSON lines sample file, - for stdin")
	seedPath := flag.String("seed", "", "venue seed file loaded before tracking (overrides VENUE_SEED_FILE)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address while tracking")
	flag.Parse()

	if *help {
		fmt.Println("Boogie Geofence Tracker")
		fmt.Println()
		fmt.Println("Usage: tracker [options]")
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

	if errs = trackerErrors(errs); len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", slog.String("error", err.Error()))
		}
		os.Exit(1)
	}
	if *seedPath != "" {
		cfg.VenueSeedFile = *seedPath
	}

	input := io.Reader(os.Stdin)
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			logger.Error("failed to open input", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer f.Close()
		input = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg, logger)
	}

	sum, err := run(ctx, cfg, input, reg, logger)
	if err != nil {
		logger.Error("tracking failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("tracking finished",
		slog.Int("samples", sum.Samples),
		slog.Int("skipped", sum.Skipped),
		slog.Int("enters", sum.Enters),
		slog.Int("exits", sum.Exits),
		slog.Int("failures", sum.Failures))
}

// trackerErrors drops validation errors for settings only the API uses.
func trackerErrors(errs []error) []error {
	var out []error
	for _, err := range errs {
		if errors.Is(err, config.ErrMissingJWTSecret) || errors.Is(err, config.ErrInvalidReportRateLimit) {
			continue
		}
		out = append(out, err)
	}
	return out
}

// run replays input through one tracking session until the input ends or ctx
// is cancelled.
func run(ctx context.Context, cfg *config.Config, input io.Reader, reg prometheus.Registerer, logger *slog.Logger) (summary, error) {
	var sum summary
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return sum, err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("failed to close store", slog.String("error", err.Error()))
		}
	}()
	if err := app.SeedFromFile(ctx, backend.Store, cfg.VenueSeedFile, logger); err != nil {
		return sum, fmt.Errorf("failed to seed venues: %w", err)
	}

	reportMetrics := report.NewMetrics()
	trackerMetrics := geofence.NewMetrics()
	if err := reportMetrics.Register(reg); err != nil {
		return sum, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := trackerMetrics.Register(reg); err != nil {
		return sum, fmt.Errorf("failed to register metrics: %w", err)
	}

	service := report.NewService(backend.Store, report.Config{
		Logger:  logger,
		Metrics: reportMetrics,
	})

	samples := make(chan geofence.Sample)
	readErr := make(chan error, 1)
	go func() {
		n, skipped, err := readSamples(ctx, input, samples, logger)
		sum.Samples, sum.Skipped = n, skipped
		readErr <- err
	}()

	tracker := geofence.NewTracker(geofence.TrackerConfig{
		MinDistance: cfg.GeofenceMinDistanceM,
		Logger:      logger,
		Metrics:     trackerMetrics,
		OnEvent: func(ev geofence.Event, err error) {
			switch {
			case err != nil:
				sum.Failures++
			case ev.Type == geofence.EventEnter:
				sum.Enters++
			default:
				sum.Exits++
			}
		},
	}, backend.Store, geofence.NewChannelProvider(samples), service)

	if err := tracker.Start(ctx); err != nil {
		return sum, err
	}

	select {
	case <-tracker.Done():
	case <-ctx.Done():
		tracker.Stop()
	}

	// The reader exits once the tracker stops consuming or ctx ends.
	if err := <-readErr; err != nil {
		return sum, err
	}
	return sum, nil
}

// readSamples decodes JSON lines from r into out and closes out. Blank and
// malformed lines are skipped.
func readSamples(ctx context.Context, r io.Reader, out chan<- geofence.Sample, logger *slog.Logger) (read, skipped int, err error) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var s geofence.Sample
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			skipped++
			logger.Warn("skipping malformed sample",
				slog.Int("line", line),
				slog.String("error", err.Error()))
			continue
		}
		if s.Time.IsZero() {
			s.Time = time.Now().UTC()
		}

		select {
		case out <- s:
			read++
		case <-ctx.Done():
			return read, skipped, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return read, skipped, fmt.Errorf("failed to read samples: %w", err)
	}
	return read, skipped, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("serving metrics", slog.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", slog.String("error", err.Error()))
	}
}
