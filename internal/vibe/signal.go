package vibe

import (
	"errors"
	"fmt"
)

// ErrUnknownSource is returned for a signal with an unrecognized source.
var ErrUnknownSource = errors.New("unknown signal source")

// Source identifies what produced a signal.
type Source string

// Signal sources.
const (
	SourceGeofenceEnter Source = "geofence_enter"
	SourceGeofenceExit  Source = "geofence_exit"
	SourceManualReport  Source = "manual_report"
)

// manualDeltas maps a manual report to its count adjustment. A Normal report
// is informational and leaves the count unchanged.
var manualDeltas = map[Label]int64{
	LabelBusy:   1,
	LabelNormal: 0,
	LabelQuiet:  -1,
}

// Signal is a single input to the vibe update protocol. Label is only set
// for manual reports.
type Signal struct {
	Source Source
	Label  Label
}

// GeofenceEnter is the signal emitted when a device enters a venue geofence.
func GeofenceEnter() Signal {
	return Signal{Source: SourceGeofenceEnter}
}

// GeofenceExit is the signal emitted when a device leaves a venue geofence.
func GeofenceExit() Signal {
	return Signal{Source: SourceGeofenceExit}
}

// ManualReport is the signal for a user-submitted crowd report.
func ManualReport(label Label) Signal {
	return Signal{Source: SourceManualReport, Label: label}
}

// Delta returns the signed count adjustment for the signal.
func (s Signal) Delta() (int64, error) {
	switch s.Source {
	case SourceGeofenceEnter:
		return 1, nil
	case SourceGeofenceExit:
		return -1, nil
	case SourceManualReport:
		d, ok := manualDeltas[s.Label]
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidLabel, s.Label)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSource, s.Source)
	}
}

// String implements fmt.Stringer.
func (s Signal) String() string {
	if s.Source == SourceManualReport {
		return fmt.Sprintf("%s(%s)", s.Source, s.Label)
	}
	return string(s.Source)
}
