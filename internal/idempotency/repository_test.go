package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/boogie/internal/jobs"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want error
	}{
		{"valid uuid", "3f1c2b9e-8d7a-4c1e-9f3b-2a6d5e4c3b21", nil},
		{"empty", "", ErrInvalidKey},
		{"too long", strings.Repeat("k", MaxKeyLength+1), ErrKeyTooLong},
		{"max length", strings.Repeat("k", MaxKeyLength), nil},
		{"space", "has space", ErrInvalidKey},
		{"control char", "abc\n", ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.want) {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.want)
			}
		})
	}
}

func TestInMemoryRepository(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}

	rec := &Record{Key: ScopedKey("user-1", "k1"), Route: "/venues/a/vibe-reports", StatusCode: 200, Body: `{"ok":true}`}
	if err := repo.Store(ctx, rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, rec); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Store() error = %v, want ErrKeyExists", err)
	}

	got, err := repo.Get(ctx, "user-1:k1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Body != rec.Body || got.StatusCode != 200 || got.CreatedAt.IsZero() {
		t.Errorf("Get() = %+v", got)
	}
}

func TestInMemoryRepository_DeleteOlderThan(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	repo.Store(ctx, &Record{Key: "old", CreatedAt: time.Now().Add(-25 * time.Hour)})
	repo.Store(ctx, &Record{Key: "recent", CreatedAt: time.Now().Add(-time.Hour)})

	if deleted := repo.DeleteOlderThan(DefaultExpiry); deleted != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1", deleted)
	}
	if _, err := repo.Get(ctx, "old"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("old key still present: %v", err)
	}
	if _, err := repo.Get(ctx, "recent"); err != nil {
		t.Errorf("recent key missing: %v", err)
	}
}

func TestCleanupJob(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	repo.Store(ctx, &Record{Key: "old", CreatedAt: time.Now().Add(-time.Hour)})
	repo.Store(ctx, &Record{Key: "recent", CreatedAt: time.Now()})

	job := CleanupJob(repo, time.Minute, 30*time.Minute, nil)
	if job.Name != jobs.JobTypeIdempotencyCleanup || job.Interval != time.Minute {
		t.Errorf("job = %s every %v", job.Name, job.Interval)
	}
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := repo.Get(ctx, "old"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("old key still present: %v", err)
	}
	if _, err := repo.Get(ctx, "recent"); err != nil {
		t.Errorf("recent key missing: %v", err)
	}
}

// TestRedisRepository requires a Redis instance running on localhost:6379.
func TestRedisRepository(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.Close()

	repo := NewRedisRepository(client, time.Minute)
	ctx = context.Background()
	key := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	defer client.Del(ctx, redisKeyPrefix+key)

	if _, err := repo.Get(ctx, key); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get() error = %v, want ErrKeyNotFound", err)
	}
	if err := repo.Store(ctx, &Record{Key: key, StatusCode: 200, Body: "{}"}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := repo.Store(ctx, &Record{Key: key}); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Store() error = %v, want ErrKeyExists", err)
	}
	got, err := repo.Get(ctx, key)
	if err != nil || got.StatusCode != 200 {
		t.Errorf("Get() = %+v, %v", got, err)
	}
}
