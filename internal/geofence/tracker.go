package geofence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/boogie/internal/report"
	"github.com/onnwee/boogie/internal/venue"
)

// DefaultReportTimeout bounds a single transition report.
const DefaultReportTimeout = 10 * time.Second

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// MinDistance is requested from the provider, in meters.
	MinDistance float64
	// ReportTimeout bounds each report, independent of Stop.
	ReportTimeout time.Duration
	// Logger for tracker activity.
	Logger *slog.Logger
	// Metrics for tracking activity. Optional.
	Metrics *Metrics
	// OnEvent is called after each transition has been applied. Optional.
	OnEvent func(Event, error)
}

// Tracker runs one tracking session: it subscribes to a location provider,
// evaluates each sample against the venue catalog and applies the resulting
// transitions in order.
type Tracker struct {
	config   TrackerConfig
	catalog  venue.Catalog
	provider LocationProvider
	reporter report.Reporter

	mu      sync.Mutex
	running bool
	session *Session
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewTracker creates a new Tracker.
func NewTracker(config TrackerConfig, catalog venue.Catalog, provider LocationProvider, reporter report.Reporter) *Tracker {
	if config.MinDistance <= 0 {
		config.MinDistance = DefaultMinDistance
	}
	if config.ReportTimeout <= 0 {
		config.ReportTimeout = DefaultReportTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Tracker{
		config:   config,
		catalog:  catalog,
		provider: provider,
		reporter: reporter,
	}
}

// Start loads the venue catalog, subscribes to the location provider and
// begins tracking in a background goroutine. Each Start begins a fresh
// session in the Outside state. A subscription failure is returned wrapped
// in ErrProviderUnavailable.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	fences, err := t.catalog.ListGeofences(ctx)
	if err != nil {
		return fmt.Errorf("failed to load venue catalog: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	samples, err := t.provider.Subscribe(subCtx, t.config.MinDistance)
	if err != nil {
		cancel()
		t.config.Logger.Error("location provider subscription failed",
			slog.String("error", err.Error()))
		return fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}

	t.running = true
	t.session = NewSession(fences)
	t.cancel = cancel
	t.stopCh = make(chan struct{})
	t.doneCh = make(chan struct{})

	t.config.Logger.Info("geofence tracking started",
		slog.Int("geofences", len(fences)),
		slog.Float64("min_distance_m", t.config.MinDistance))

	go t.run(ctx, t.session, samples, t.stopCh, t.doneCh)
	return nil
}

// Stop cancels the subscription and waits for the tracker to finish. A report
// already in flight completes; no transition is applied after Stop returns.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	stopCh := t.stopCh
	doneCh := t.doneCh
	cancel := t.cancel
	// Concurrent Stops wait on the same session; only the first closes it.
	t.stopCh = nil
	t.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		cancel()
	}
	<-doneCh

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}

// Done returns a channel closed when the current session ends, either by
// Stop, by cancellation of the Start context or because the provider closed
// its channel. It returns nil if the tracker was never started.
func (t *Tracker) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneCh
}

// IsRunning returns whether the tracker is currently running.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Inside returns the venue the current session is inside, or "".
func (t *Tracker) Inside() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return ""
	}
	return t.session.Inside()
}

func (t *Tracker) run(ctx context.Context, session *Session, samples <-chan Sample, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer t.finish(doneCh)

	for {
		select {
		case <-stopCh:
			t.config.Logger.Info("geofence tracking stopping due to stop signal")
			return
		case <-ctx.Done():
			t.config.Logger.Info("geofence tracking stopping due to context cancellation")
			return
		case s, ok := <-samples:
			if !ok {
				t.config.Logger.Info("location stream ended")
				return
			}
			if t.config.Metrics != nil {
				t.config.Metrics.IncSamples()
			}

			t.mu.Lock()
			events := session.Evaluate(s.Point(), s.Time)
			t.mu.Unlock()

			for _, ev := range events {
				if stopped(ctx, stopCh) {
					return
				}
				t.apply(ctx, ev)
			}
		}
	}
}

// finish marks the tracker as stopped when the session ended on its own.
func (t *Tracker) finish(doneCh chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.doneCh == doneCh {
		t.running = false
		t.cancel()
	}
}

func stopped(ctx context.Context, stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// apply reports one transition. The report runs on a context detached from
// cancellation so that stopping never aborts a commit halfway.
func (t *Tracker) apply(ctx context.Context, ev Event) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.config.ReportTimeout)
	defer cancel()

	if t.config.Metrics != nil {
		t.config.Metrics.IncTransitions(ev.Type)
	}

	snap, err := t.reporter.ReportVibe(reportCtx, ev.VenueID, ev.Signal())
	switch {
	case err == nil:
		t.config.Logger.Debug("geofence transition applied",
			slog.String("type", string(ev.Type)),
			slog.String("venue_id", ev.VenueID),
			slog.Int64("live_count", snap.LiveCount))
	case errors.Is(err, venue.ErrNotFound):
		t.config.Logger.Warn("geofence transition for unknown venue skipped",
			slog.String("type", string(ev.Type)),
			slog.String("venue_id", ev.VenueID))
	default:
		if t.config.Metrics != nil {
			t.config.Metrics.IncReportFailures()
		}
		t.config.Logger.Error("geofence transition not applied",
			slog.String("type", string(ev.Type)),
			slog.String("venue_id", ev.VenueID),
			slog.String("error", err.Error()))
	}

	if t.config.OnEvent != nil {
		t.config.OnEvent(ev, err)
	}
}
