package venue

import (
	"context"
	"errors"
	"testing"

	"github.com/onnwee/boogie/internal/vibe"
)

func TestLoadSeedFile(t *testing.T) {
	venues, err := LoadSeedFile("testdata/venues.yaml")
	if err != nil {
		t.Fatalf("LoadSeedFile() error = %v", err)
	}
	if len(venues) != 4 {
		t.Fatalf("len(venues) = %d, want 4", len(venues))
	}

	first := venues[0]
	if first.ID != "KszYnZDgXFs1RRJbUvsf" || first.Name != "Pabloz" {
		t.Errorf("first venue = %s/%s", first.ID, first.Name)
	}
	if first.Location.Lat != -17.7667 || first.Location.Lng != 31.0258 {
		t.Errorf("first location = %+v", first.Location)
	}
	if first.GeofenceRadius != 150 || first.LiveCount != 5 {
		t.Errorf("first radius/count = %v/%d", first.GeofenceRadius, first.LiveCount)
	}
}

func TestParseSeed_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed yaml", "venues: [unterminated"},
		{"missing name", "venues:\n  - id: a\n    location: {lat: 1, lng: 1}\n"},
		{"duplicate id", "venues:\n  - {id: a, name: A}\n  - {id: a, name: B}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(tt.data)); err == nil {
				t.Error("ParseSeed() expected error")
			}
		})
	}

	_, err := ParseSeed([]byte("venues:\n  - {id: a, name: A}\n  - {id: a, name: B}\n"))
	if !errors.Is(err, ErrInvalidVenue) {
		t.Errorf("duplicate id error = %v, want ErrInvalidVenue", err)
	}
}

func TestSeedAll(t *testing.T) {
	venues, err := LoadSeedFile("testdata/venues.yaml")
	if err != nil {
		t.Fatalf("LoadSeedFile() error = %v", err)
	}

	store := NewInMemoryStore(StoreConfig{Logger: discardLogger()})
	if err := SeedAll(context.Background(), store, venues, discardLogger()); err != nil {
		t.Fatalf("SeedAll() error = %v", err)
	}

	got, err := store.Get(context.Background(), "tF8iMd0QhaHOFGToSrjC")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LiveCount != 7 || got.VibeLabel != vibe.LabelQuiet {
		t.Errorf("venue = (%d, %s), want (7, Quiet)", got.LiveCount, got.VibeLabel)
	}
}
