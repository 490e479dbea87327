package venue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"
)

var (
	// ErrNotFound is returned when the venue record does not exist.
	ErrNotFound = errors.New("venue not found")

	// ErrTransactionConflict is returned when concurrent writers kept
	// invalidating an adjustment until the retry budget ran out. The
	// adjustment was not applied and may be retried by the caller.
	ErrTransactionConflict = errors.New("venue transaction conflict")

	// ErrInvalidVenue is returned when a venue fails validation.
	ErrInvalidVenue = errors.New("invalid venue")
)

// CountStore owns the live occupancy count of each venue.
type CountStore interface {
	// AdjustCount atomically applies delta to the venue's count, clamping the
	// result at zero, and persists the reclassified label, score, update time
	// and optional report metadata in the same commit.
	AdjustCount(ctx context.Context, venueID string, delta int64, meta *ReportMeta) (Snapshot, error)
}

// Catalog supplies the geofences evaluated by a tracking session.
type Catalog interface {
	// ListGeofences returns one geofence per venue, ordered by venue name then ID.
	ListGeofences(ctx context.Context) ([]Geofence, error)
}

// Repository provides read access and seeding for venue records.
type Repository interface {
	// Get returns the venue with the given ID or ErrNotFound.
	Get(ctx context.Context, id string) (*Venue, error)

	// List returns all venues ordered by name then ID.
	List(ctx context.Context) ([]Venue, error)

	// Seed inserts or replaces a venue record. Derived fields (geohash,
	// label, score, default radius) are recomputed before storing.
	Seed(ctx context.Context, v *Venue) error
}

// Store is the full venue persistence contract.
type Store interface {
	CountStore
	Catalog
	Repository
}

// StoreConfig holds the settings shared by all store implementations.
type StoreConfig struct {
	// Logger for store activity. Defaults to slog.Default().
	Logger *slog.Logger
	// Retry bounds how often a conflicting adjustment is retried.
	Retry RetryPolicy
	// Now returns the commit timestamp. Defaults to time.Now.
	Now func() time.Time
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Retry = c.Retry.withDefaults()
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// nextCount returns the clamped count after applying delta and the increment
// that actually has to be applied to reach it from current.
func nextCount(current, delta int64) (newCount, applied int64) {
	newCount = current + delta
	if newCount < 0 {
		newCount = 0
	}
	return newCount, newCount - current
}

// sortVenues orders venues by name, then ID, which is the catalog order
// used for geofence tie-breaking.
func sortVenues(vs []Venue) {
	sort.SliceStable(vs, func(i, j int) bool {
		if vs[i].Name != vs[j].Name {
			return vs[i].Name < vs[j].Name
		}
		return vs[i].ID < vs[j].ID
	})
}

func geofencesOf(vs []Venue) []Geofence {
	fences := make([]Geofence, 0, len(vs))
	for i := range vs {
		fences = append(fences, vs[i].Geofence())
	}
	return fences
}
