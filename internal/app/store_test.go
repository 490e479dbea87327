package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/boogie/internal/config"
	"github.com/onnwee/boogie/internal/follow"
	"github.com/onnwee/boogie/internal/venue"
)

func memoryConfig() *config.Config {
	return &config.Config{
		StoreBackend:    config.StoreMemory,
		VibeMaxRetries:  3,
		VibeRetryBaseMS: 5,
		VibeRetryMaxMS:  50,
	}
}

func TestStoreConfig(t *testing.T) {
	got := StoreConfig(memoryConfig(), nil)
	want := venue.RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	if got.Retry != want {
		t.Errorf("Retry = %+v, want %+v", got.Retry, want)
	}
}

func TestOpen_Memory(t *testing.T) {
	b, err := Open(context.Background(), memoryConfig(), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer b.Close()

	if _, ok := b.Store.(*venue.InMemoryStore); !ok {
		t.Errorf("Store = %T, want *venue.InMemoryStore", b.Store)
	}
	if _, ok := b.Follows.(*follow.InMemoryRepository); !ok {
		t.Errorf("Follows = %T, want *follow.InMemoryRepository", b.Follows)
	}
	if b.DB != nil || b.Redis != nil {
		t.Error("memory backend should not open connections")
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.Config
		want error
	}{
		{"unknown backend", &config.Config{StoreBackend: "mongo"}, config.ErrInvalidStoreBackend},
		{"redis without url", &config.Config{StoreBackend: config.StoreRedis}, config.ErrMissingRedisURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), tt.cfg, nil)
			if !errors.Is(err, tt.want) {
				t.Errorf("Open() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpen_InvalidRedisURL(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisURL = "not a url"
	if _, err := Open(context.Background(), cfg, nil); err == nil {
		t.Error("expected error for invalid REDIS_URL")
	}
}

func TestSeedFromFile(t *testing.T) {
	ctx := context.Background()
	store := venue.NewInMemoryStore(venue.StoreConfig{})

	if err := SeedFromFile(ctx, store, "", nil); err != nil {
		t.Fatalf("empty path should be a no-op, got %v", err)
	}

	if err := SeedFromFile(ctx, store, "../../configs/venues.example.yaml", nil); err != nil {
		t.Fatalf("SeedFromFile() error = %v", err)
	}
	venues, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(venues) == 0 {
		t.Fatal("expected seeded venues")
	}
	if venues[0].Name != "Pabloz" {
		t.Errorf("first venue = %q, want Pabloz", venues[0].Name)
	}

	if err := SeedFromFile(ctx, store, "missing.yaml", nil); err == nil {
		t.Error("expected error for missing file")
	}
}
