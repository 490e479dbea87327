//go:build integration

// Run with: go test -tags=integration -v ./internal/follow/...
package follow

import (
	"context"
	"errors"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/boogie/internal/db"
)

func TestPostgresRepository_Integration(t *testing.T) {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("boogie"),
		postgres.WithUsername("boogie"),
		postgres.WithPassword("boogie"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("ConnectionString() error = %v", err)
	}
	conn, err := db.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := db.Migrate(ctx, conn, nil); err != nil {
		t.Fatalf("db.Migrate() error = %v", err)
	}

	for _, id := range []string{"v-pabloz", "v-tinroof"} {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO venues (id, name, lat, lng, coarse_geohash) VALUES ($1, $1, -17.77, 31.02, 'kv5b3f')`, id); err != nil {
			t.Fatalf("insert venue %s: %v", id, err)
		}
	}

	repo := NewPostgresRepository(conn)
	testRepository(t, repo, "user-1")

	t.Run("unknown venue", func(t *testing.T) {
		if _, _, err := repo.Follow(ctx, "user-1", "v-missing"); !errors.Is(err, ErrUnknownVenue) {
			t.Errorf("Follow() error = %v, want ErrUnknownVenue", err)
		}
	})
}
