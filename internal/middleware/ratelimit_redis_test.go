package middleware

import (
	"context"
	"strconv"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
)

// newRedisClient returns a client for localhost:6379 or skips the test.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skip("Redis not available, skipping integration test")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRateLimitStore_Allow(t *testing.T) {
	client := newRedisClient(t)
	store := NewRedisRateLimitStore(client)
	cfg := RateLimitConfig{RequestsPerWindow: 5, WindowDuration: time.Minute}
	ctx := context.Background()

	key := "test-redis-key-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	t.Cleanup(func() { client.Del(ctx, redisRateLimitPrefix+key) })

	for i := 0; i < 5; i++ {
		allowed, remaining, _ := store.Allow(ctx, key, cfg)
		if !allowed {
			t.Errorf("request %d should be allowed", i+1)
		}
		if remaining != 4-i {
			t.Errorf("request %d: expected remaining=%d, got %d", i+1, 4-i, remaining)
		}
	}

	allowed, remaining, retryAfter := store.Allow(ctx, key, cfg)
	if allowed {
		t.Error("6th request should be blocked")
	}
	if remaining != 0 {
		t.Errorf("expected remaining=0 when blocked, got %d", remaining)
	}
	if retryAfter <= 0 || retryAfter > 60 {
		t.Errorf("expected retryAfter between 1 and 60, got %d", retryAfter)
	}

	ttl, err := client.PTTL(ctx, redisRateLimitPrefix+key).Result()
	if err != nil {
		t.Fatalf("PTTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected window ttl in (0, 1m], got %v", ttl)
	}
}

func TestRedisRateLimitStore_FailOpen(t *testing.T) {
	// Nothing listens on this port.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	metrics := NewMetrics()
	store := NewRedisRateLimitStore(client).WithMetrics(metrics)
	cfg := RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}

	for i := 0; i < 3; i++ {
		if allowed, _, _ := store.Allow(context.Background(), "ip:192.0.2.1", cfg); !allowed {
			t.Fatalf("request %d should fail open", i+1)
		}
	}

	m := &dto.Metric{}
	if err := metrics.limitFailOpen.Write(m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Errorf("fail-open count = %v, want 3", got)
	}
}
