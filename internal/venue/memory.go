package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/onnwee/boogie/internal/vibe"
)

// memoryRecord is a venue plus the version used for compare-and-swap.
type memoryRecord struct {
	venue   *Venue
	version uint64
}

// InMemoryStore is an in-memory Store for development and tests.
//
// Adjustments are optimistic: the record is read under a read lock and
// committed only if its version is unchanged, otherwise the attempt is
// retried under the configured RetryPolicy.
type InMemoryStore struct {
	mu     sync.RWMutex
	venues map[string]*memoryRecord
	cfg    StoreConfig

	// beforeCommit runs between the read and the commit of an adjustment.
	// Tests use it to force conflicts.
	beforeCommit func(venueID string)
}

// NewInMemoryStore creates a new in-memory venue store.
func NewInMemoryStore(cfg StoreConfig) *InMemoryStore {
	return &InMemoryStore{
		venues: make(map[string]*memoryRecord),
		cfg:    cfg.withDefaults(),
	}
}

// Seed inserts a venue or refreshes the catalog fields of an existing one.
func (s *InMemoryStore) Seed(ctx context.Context, v *Venue) error {
	if err := v.Validate(); err != nil {
		return err
	}
	stored := v.clone()
	stored.normalize(s.cfg.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	version := uint64(0)
	if existing, ok := s.venues[stored.ID]; ok {
		version = existing.version
		stored.keepLiveState(existing.venue.clone())
	}
	s.venues[stored.ID] = &memoryRecord{venue: stored, version: version + 1}
	return nil
}

// Get returns a copy of the venue with the given ID.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.venues[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.venue.clone(), nil
}

// List returns copies of all venues ordered by name then ID.
func (s *InMemoryStore) List(ctx context.Context) ([]Venue, error) {
	s.mu.RLock()
	out := make([]Venue, 0, len(s.venues))
	for _, rec := range s.venues {
		out = append(out, *rec.venue.clone())
	}
	s.mu.RUnlock()

	sortVenues(out)
	return out, nil
}

// ListGeofences returns the geofence of every venue in catalog order.
func (s *InMemoryStore) ListGeofences(ctx context.Context) ([]Geofence, error) {
	vs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return geofencesOf(vs), nil
}

// AdjustCount applies delta to the venue's live count with clamping at zero.
func (s *InMemoryStore) AdjustCount(ctx context.Context, venueID string, delta int64, meta *ReportMeta) (Snapshot, error) {
	var snap Snapshot
	err := s.cfg.Retry.do(ctx, s.cfg.Logger, "adjust count", func() error {
		var err error
		snap, err = s.tryAdjust(venueID, delta, meta)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}

	s.cfg.Logger.Debug("venue count adjusted",
		slog.String("venue_id", venueID),
		slog.Int64("delta", delta),
		slog.Int64("live_count", snap.LiveCount),
		slog.String("vibe", snap.Label.String()))
	return snap, nil
}

func (s *InMemoryStore) tryAdjust(venueID string, delta int64, meta *ReportMeta) (Snapshot, error) {
	s.mu.RLock()
	rec, ok := s.venues[venueID]
	var current int64
	var version uint64
	if ok {
		current = rec.venue.LiveCount
		version = rec.version
	}
	s.mu.RUnlock()

	if !ok {
		return Snapshot{}, ErrNotFound
	}

	newCount, _ := nextCount(current, delta)
	label, score := vibe.Classify(newCount)

	if s.beforeCommit != nil {
		s.beforeCommit(venueID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok = s.venues[venueID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if rec.version != version {
		return Snapshot{}, conflict(fmt.Errorf("venue %s: %w", venueID, errStaleRead))
	}

	now := s.cfg.Now()
	updated := rec.venue.clone()
	updated.LiveCount = newCount
	updated.VibeLabel = label
	updated.VibeScore = score
	updated.LastVibeUpdate = &now
	if meta != nil {
		m := *meta
		updated.LastReport = &m
	}
	s.venues[venueID] = &memoryRecord{venue: updated, version: version + 1}

	return updated.Snapshot(), nil
}
