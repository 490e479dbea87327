// Package geofence turns a stream of device positions into venue ENTER and
// EXIT transitions and applies them through the vibe update protocol.
package geofence

import (
	"time"

	"github.com/onnwee/boogie/internal/geo"
	"github.com/onnwee/boogie/internal/venue"
	"github.com/onnwee/boogie/internal/vibe"
)

// EventType is the kind of geofence transition.
type EventType string

// Transition kinds.
const (
	EventEnter EventType = "enter"
	EventExit  EventType = "exit"
)

// Event is a single geofence transition for one venue.
type Event struct {
	Type    EventType `json:"type"`
	VenueID string    `json:"venue_id"`
	Time    time.Time `json:"time"`
}

// Signal returns the vibe signal the event maps to.
func (e Event) Signal() vibe.Signal {
	if e.Type == EventExit {
		return vibe.GeofenceExit()
	}
	return vibe.GeofenceEnter()
}

// Session is the membership state of one tracking session: Outside, or
// Inside a single venue. It is not safe for concurrent use.
type Session struct {
	fences []venue.Geofence
	inside string
}

// NewSession creates a session in the Outside state. When several geofences
// contain a position the first one in fences wins, so callers should pass
// them in catalog order.
func NewSession(fences []venue.Geofence) *Session {
	f := make([]venue.Geofence, len(fences))
	copy(f, fences)
	return &Session{fences: f}
}

// Inside returns the venue the session is inside, or "" when Outside.
func (s *Session) Inside() string {
	return s.inside
}

// Reset returns the session to Outside without emitting events.
func (s *Session) Reset() {
	s.inside = ""
}

// Evaluate advances the state machine with a new position and returns the
// transitions it caused, in the order they must be applied. A position that
// keeps the session in its current state returns nil. Invalid positions are
// ignored.
func (s *Session) Evaluate(p geo.Point, at time.Time) []Event {
	if !p.Valid() {
		return nil
	}

	// The current venue stays matched while it still contains p, even if an
	// earlier geofence in catalog order overlaps it.
	if s.inside != "" && s.contains(s.inside, p) {
		return nil
	}

	match := s.firstMatch(p)
	if match == s.inside {
		return nil
	}

	var events []Event
	if s.inside != "" {
		events = append(events, Event{Type: EventExit, VenueID: s.inside, Time: at})
	}
	if match != "" {
		events = append(events, Event{Type: EventEnter, VenueID: match, Time: at})
	}
	s.inside = match
	return events
}

func (s *Session) contains(venueID string, p geo.Point) bool {
	for _, f := range s.fences {
		if f.VenueID == venueID {
			return f.Contains(p)
		}
	}
	return false
}

func (s *Session) firstMatch(p geo.Point) string {
	for _, f := range s.fences {
		if f.Contains(p) {
			return f.VenueID
		}
	}
	return ""
}
