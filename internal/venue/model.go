// Package venue provides the venue model and the stores that own each
// venue's live occupancy count and derived vibe.
package venue

import (
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/boogie/internal/geo"
	"github.com/onnwee/boogie/internal/vibe"
)

// DefaultGeofenceRadius is used when a venue has no radius configured.
const DefaultGeofenceRadius = 50.0

// Venue is a nightlife venue with its live crowd state.
//
// VibeLabel and VibeScore are always derived from LiveCount with
// vibe.Classify. Stores never write them independently.
type Venue struct {
	ID             string      `json:"id" yaml:"id"`
	Name           string      `json:"name" yaml:"name"`
	Category       string      `json:"category,omitempty" yaml:"category"`
	Location       geo.Point   `json:"location" yaml:"location"`
	CoarseGeohash  string      `json:"coarse_geohash" yaml:"-"`
	GeofenceRadius float64     `json:"geofence_radius" yaml:"geofence_radius"`
	LiveCount      int64       `json:"live_count" yaml:"live_count"`
	VibeLabel      vibe.Label  `json:"vibe_status" yaml:"-"`
	VibeScore      float64     `json:"vibe_score" yaml:"-"`
	LastVibeUpdate *time.Time  `json:"last_vibe_update,omitempty" yaml:"-"`
	LastReport     *ReportMeta `json:"last_report,omitempty" yaml:"-"`
	CreatedAt      time.Time   `json:"created_at" yaml:"-"`
}

// ReportMeta records who submitted the latest manual report, what they
// reported and when. It is written in the same commit as the count.
type ReportMeta struct {
	Label  vibe.Label `json:"vibe"`
	UserID string     `json:"user_id"`
	At     time.Time  `json:"at"`
}

// Snapshot is the venue state produced by one count adjustment.
type Snapshot struct {
	VenueID   string     `json:"venue_id"`
	LiveCount int64      `json:"live_count"`
	Label     vibe.Label `json:"vibe_status"`
	Score     float64    `json:"vibe_score"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Geofence is the circular boundary the tracker evaluates for a venue.
type Geofence struct {
	VenueID string    `json:"venue_id"`
	Name    string    `json:"name"`
	Center  geo.Point `json:"center"`
	Radius  float64   `json:"radius"`
}

// Contains reports whether p lies strictly inside the geofence.
func (g Geofence) Contains(p geo.Point) bool {
	return geo.Distance(g.Center, p) < g.Radius
}

// Geofence returns the venue's geofence, applying DefaultGeofenceRadius
// when no radius is set.
func (v *Venue) Geofence() Geofence {
	radius := v.GeofenceRadius
	if radius <= 0 {
		radius = DefaultGeofenceRadius
	}
	return Geofence{
		VenueID: v.ID,
		Name:    v.Name,
		Center:  v.Location,
		Radius:  radius,
	}
}

// Snapshot returns the current vibe state of the venue.
func (v *Venue) Snapshot() Snapshot {
	s := Snapshot{
		VenueID:   v.ID,
		LiveCount: v.LiveCount,
		Label:     v.VibeLabel,
		Score:     v.VibeScore,
	}
	if v.LastVibeUpdate != nil {
		s.UpdatedAt = *v.LastVibeUpdate
	}
	return s
}

// Validate checks the fields required before a venue can be stored.
func (v *Venue) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidVenue)
	}
	if strings.TrimSpace(v.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidVenue)
	}
	if !v.Location.Valid() {
		return fmt.Errorf("%w: location %v out of range", ErrInvalidVenue, v.Location)
	}
	if v.GeofenceRadius < 0 {
		return fmt.Errorf("%w: geofence radius must not be negative", ErrInvalidVenue)
	}
	if v.LiveCount < 0 {
		return fmt.Errorf("%w: live count must not be negative", ErrInvalidVenue)
	}
	return nil
}

// normalize fills derived fields before a venue is stored.
func (v *Venue) normalize(now time.Time) {
	if v.GeofenceRadius <= 0 {
		v.GeofenceRadius = DefaultGeofenceRadius
	}
	v.CoarseGeohash = geo.Encode(v.Location, geo.DefaultPrecision)
	v.VibeLabel, v.VibeScore = vibe.Classify(v.LiveCount)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
}

// keepLiveState copies the live count, vibe and report metadata of existing
// into v. Reseeding a venue only refreshes its catalog fields.
func (v *Venue) keepLiveState(existing *Venue) {
	v.LiveCount = existing.LiveCount
	v.VibeLabel = existing.VibeLabel
	v.VibeScore = existing.VibeScore
	v.LastVibeUpdate = existing.LastVibeUpdate
	v.LastReport = existing.LastReport
	v.CreatedAt = existing.CreatedAt
}

// clone returns a deep copy of v.
func (v *Venue) clone() *Venue {
	c := *v
	if v.LastVibeUpdate != nil {
		t := *v.LastVibeUpdate
		c.LastVibeUpdate = &t
	}
	if v.LastReport != nil {
		r := *v.LastReport
		c.LastReport = &r
	}
	return &c
}
