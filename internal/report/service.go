// Package report implements the vibe update protocol: it turns geofence
// transitions and manual crowd reports into count adjustments on the venue
// store and fans the resulting snapshots out to listeners.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/boogie/internal/tracing"
	"github.com/onnwee/boogie/internal/venue"
	"github.com/onnwee/boogie/internal/vibe"
)

// ErrUnauthenticated is returned when a manual report has no user.
var ErrUnauthenticated = errors.New("manual report requires an authenticated user")

// Reporter applies vibe signals to venues.
type Reporter interface {
	ReportVibe(ctx context.Context, venueID string, signal vibe.Signal) (venue.Snapshot, error)
}

// Listener receives every snapshot committed through the service.
// VenueUpdated is called synchronously and must not block.
type Listener interface {
	VenueUpdated(snap venue.Snapshot)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(snap venue.Snapshot)

// VenueUpdated calls f(snap).
func (f ListenerFunc) VenueUpdated(snap venue.Snapshot) {
	f(snap)
}

// Config holds optional dependencies of the Service.
type Config struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Now     func() time.Time
}

// Service is the single entry point that mutates venue counts.
type Service struct {
	store   venue.CountStore
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// NewService creates a Service writing through store.
func NewService(store venue.CountStore, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:   store,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
}

// Subscribe registers l for all future snapshots.
func (s *Service) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// ReportVibe applies signal to the venue and returns the committed snapshot.
//
// venue.ErrNotFound is logged and returned so callers can treat it as a
// no-op; venue.ErrTransactionConflict means the signal was not applied.
func (s *Service) ReportVibe(ctx context.Context, venueID string, signal vibe.Signal) (venue.Snapshot, error) {
	return s.apply(ctx, venueID, signal, nil)
}

// SubmitManualReport records a user's crowd report for a venue. The report
// moves the count by its label's delta and stores who reported what and when
// in the same commit.
func (s *Service) SubmitManualReport(ctx context.Context, venueID, userID string, label vibe.Label) (venue.Snapshot, error) {
	signal := vibe.ManualReport(label)
	if userID == "" {
		s.observe(signal.Source, outcomeUnauthenticated, 0)
		s.logger.Warn("manual report rejected: no user",
			slog.String("venue_id", venueID))
		return venue.Snapshot{}, ErrUnauthenticated
	}

	meta := &venue.ReportMeta{
		Label:  label,
		UserID: userID,
		At:     s.now().UTC(),
	}
	return s.apply(ctx, venueID, signal, meta)
}

func (s *Service) apply(ctx context.Context, venueID string, signal vibe.Signal, meta *venue.ReportMeta) (snap venue.Snapshot, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "vibe.report")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("venue.id", venueID),
		attribute.String("vibe.source", string(signal.Source)),
	)

	delta, err := signal.Delta()
	if err != nil {
		s.observe(signal.Source, outcomeInvalid, 0)
		return venue.Snapshot{}, err
	}
	if venueID == "" {
		s.observe(signal.Source, outcomeNotFound, 0)
		return venue.Snapshot{}, fmt.Errorf("empty venue id: %w", venue.ErrNotFound)
	}

	start := time.Now()
	snap, err = s.store.AdjustCount(ctx, venueID, delta, meta)
	elapsed := time.Since(start)

	switch {
	case err == nil:
	case errors.Is(err, venue.ErrNotFound):
		s.observe(signal.Source, outcomeNotFound, elapsed)
		s.logger.Warn("vibe signal for unknown venue ignored",
			slog.String("venue_id", venueID),
			slog.String("signal", signal.String()))
		return venue.Snapshot{}, err
	case errors.Is(err, venue.ErrTransactionConflict):
		s.observe(signal.Source, outcomeConflict, elapsed)
		s.logger.Error("vibe update abandoned after conflicts",
			slog.String("venue_id", venueID),
			slog.String("signal", signal.String()),
			slog.String("error", err.Error()))
		return venue.Snapshot{}, err
	default:
		s.observe(signal.Source, outcomeError, elapsed)
		s.logger.Error("vibe update failed",
			slog.String("venue_id", venueID),
			slog.String("signal", signal.String()),
			slog.String("error", err.Error()))
		return venue.Snapshot{}, fmt.Errorf("failed to adjust venue %s: %w", venueID, err)
	}

	s.observe(signal.Source, outcomeApplied, elapsed)
	if s.metrics != nil {
		s.metrics.SetLiveCount(venueID, snap.LiveCount)
	}
	tracing.SetAttributes(ctx,
		attribute.Int64("vibe.delta", delta),
		attribute.Int64("venue.live_count", snap.LiveCount),
		attribute.String("vibe.label", snap.Label.String()),
	)

	s.logger.Info("vibe updated",
		slog.String("venue_id", venueID),
		slog.String("signal", signal.String()),
		slog.Int64("delta", delta),
		slog.Int64("live_count", snap.LiveCount),
		slog.String("vibe", snap.Label.String()))

	s.notify(snap)
	return snap, nil
}

func (s *Service) notify(snap venue.Snapshot) {
	s.mu.RLock()
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, l := range listeners {
		l.VenueUpdated(snap)
	}
}

func (s *Service) observe(source vibe.Source, outcome string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ObserveReport(source, outcome)
	if elapsed > 0 {
		s.metrics.ObserveAdjustDuration(elapsed)
	}
}
