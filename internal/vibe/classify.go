// Package vibe maps venue occupancy to a crowd-level classification and
// defines the signals that move a venue's occupancy count.
package vibe

import (
	"errors"
	"fmt"
	"strings"
)

// Label is the crowd-level classification of a venue.
type Label string

// Vibe labels. Stores classify every venue when it is seeded, so Unknown
// only shows up for a stored record without a label.
const (
	LabelUnknown Label = "Unknown"
	LabelQuiet   Label = "Quiet"
	LabelNormal  Label = "Normal"
	LabelBusy    Label = "Busy"
)

// Classification thresholds. A count above BusyAbove is Busy; a count of at
// least NormalFrom (and not Busy) is Normal; anything lower is Quiet.
const (
	BusyAbove  = 20
	NormalFrom = 10
)

// Scores stored next to the label for ranking.
const (
	ScoreBusy   = 4.0
	ScoreNormal = 3.0
	ScoreQuiet  = 2.0
)

// ErrInvalidLabel is returned when a label is not one of Quiet, Normal or Busy.
var ErrInvalidLabel = errors.New("invalid vibe label")

// Classify returns the label and score for a live occupancy count.
// Negative counts never reach storage; they classify as Quiet.
func Classify(count int64) (Label, float64) {
	switch {
	case count > BusyAbove:
		return LabelBusy, ScoreBusy
	case count >= NormalFrom:
		return LabelNormal, ScoreNormal
	default:
		return LabelQuiet, ScoreQuiet
	}
}

// ParseLabel parses a user supplied label case-insensitively.
// Unknown is not accepted because it cannot be reported.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quiet":
		return LabelQuiet, nil
	case "normal":
		return LabelNormal, nil
	case "busy":
		return LabelBusy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLabel, s)
	}
}

// Reportable reports whether l can be submitted as a manual report.
func (l Label) Reportable() bool {
	return l == LabelQuiet || l == LabelNormal || l == LabelBusy
}

// String implements fmt.Stringer.
func (l Label) String() string {
	return string(l)
}
