package geofence

import (
	"context"
	"errors"
	"time"

	"github.com/onnwee/boogie/internal/geo"
)

// ErrProviderUnavailable is returned when the location provider cannot
// deliver positions. Tracking does not start and is not retried.
var ErrProviderUnavailable = errors.New("location provider unavailable")

// DefaultMinDistance is the default movement, in meters, between delivered
// samples.
const DefaultMinDistance = 100.0

// Sample is one device position.
type Sample struct {
	Lat  float64   `json:"lat"`
	Lng  float64   `json:"lng"`
	Time time.Time `json:"time"`
}

// Point returns the sample position.
func (s Sample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lng: s.Lng}
}

// LocationProvider delivers position samples for one device. The returned
// channel is closed when ctx is cancelled or the provider runs out of
// positions.
type LocationProvider interface {
	Subscribe(ctx context.Context, minDistance float64) (<-chan Sample, error)
}

// DistanceGate drops samples closer than a minimum distance to the last
// sample it let through. The zero value passes every valid sample.
type DistanceGate struct {
	MinDistance float64

	last    geo.Point
	hasLast bool
}

// Allow reports whether s should be delivered and, if so, records it as the
// new reference position.
func (g *DistanceGate) Allow(s Sample) bool {
	p := s.Point()
	if !p.Valid() {
		return false
	}
	if g.hasLast && geo.Distance(g.last, p) < g.MinDistance {
		return false
	}
	g.last = p
	g.hasLast = true
	return true
}

// ChannelProvider is a LocationProvider fed from a channel of raw samples,
// such as a replayed position log.
type ChannelProvider struct {
	source <-chan Sample
}

// NewChannelProvider creates a provider that reads samples from source.
func NewChannelProvider(source <-chan Sample) *ChannelProvider {
	return &ChannelProvider{source: source}
}

// Subscribe returns a channel of samples from the source that passed a
// DistanceGate with minDistance.
func (p *ChannelProvider) Subscribe(ctx context.Context, minDistance float64) (<-chan Sample, error) {
	if p.source == nil {
		return nil, errors.New("no sample source")
	}

	out := make(chan Sample)
	go func() {
		defer close(out)
		gate := DistanceGate{MinDistance: minDistance}
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-p.source:
				if !ok {
					return
				}
				if !gate.Allow(s) {
					continue
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
