package geofence

import (
	"context"
	"math"
	"testing"
	"time"
)

func sampleAt(lat, lng float64) Sample {
	return Sample{Lat: lat, Lng: lng, Time: t0}
}

func TestDistanceGate(t *testing.T) {
	g := DistanceGate{MinDistance: 100}

	steps := []struct {
		name   string
		sample Sample
		want   bool
	}{
		{"first sample", sampleAt(0, 0), true},
		{"55m away", sampleAt(0, 0.0005), false},
		{"111m from last delivered", sampleAt(0, 0.001), true},
		{"invalid", sampleAt(math.NaN(), 0), false},
		{"out of range", sampleAt(0, 200), false},
		{"back to origin", sampleAt(0, 0), true},
	}

	for _, step := range steps {
		if got := g.Allow(step.sample); got != step.want {
			t.Errorf("%s: Allow() = %v, want %v", step.name, got, step.want)
		}
	}
}

func TestChannelProvider_GatesAndCloses(t *testing.T) {
	source := make(chan Sample, 4)
	source <- sampleAt(0, 0)
	source <- sampleAt(0, 0.0001)
	source <- sampleAt(0, 0.01)
	close(source)

	samples, err := NewChannelProvider(source).Subscribe(context.Background(), 100)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	var got []Sample
	for s := range samples {
		got = append(got, s)
	}
	if len(got) != 2 {
		t.Fatalf("delivered %d samples, want 2", len(got))
	}
	if got[1].Lng != 0.01 {
		t.Errorf("second sample = %+v", got[1])
	}
}

func TestChannelProvider_StopsOnCancel(t *testing.T) {
	source := make(chan Sample)
	ctx, cancel := context.WithCancel(context.Background())

	samples, err := NewChannelProvider(source).Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	cancel()

	select {
	case _, ok := <-samples:
		if ok {
			t.Error("received sample after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestChannelProvider_NoSource(t *testing.T) {
	if _, err := NewChannelProvider(nil).Subscribe(context.Background(), 0); err == nil {
		t.Error("expected error without a source")
	}
}
