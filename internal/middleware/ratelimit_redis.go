package middleware

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// redisRateLimitPrefix namespaces rate limit counters in Redis.
const redisRateLimitPrefix = "boogie:ratelimit:"

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// shared across API instances. Redis failures fail open.
type RedisRateLimitStore struct {
	client  *redis.Client
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client *redis.Client) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, logger: slog.Default()}
}

// WithMetrics sets the metrics used to count fail-open events.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// WithLogger sets the logger used for Redis errors.
func (s *RedisRateLimitStore) WithLogger(logger *slog.Logger) *RedisRateLimitStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Allow implements RateLimitStore. The first request in a window sets the
// key's expiry to the window duration.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	redisKey := redisRateLimitPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.failOpen(key, config, err)
	}

	count := incr.Val()
	if count == 1 || ttl.Val() < 0 {
		if err := s.client.PExpire(ctx, redisKey, config.WindowDuration).Err(); err != nil {
			return s.failOpen(key, config, err)
		}
	}

	if count <= int64(config.RequestsPerWindow) {
		return true, config.RequestsPerWindow - int(count), 0
	}
	return false, 0, retryAfterSeconds(ttl.Val())
}

func (s *RedisRateLimitStore) failOpen(key string, config RateLimitConfig, err error) (bool, int, int) {
	if s.metrics != nil {
		s.metrics.IncRateLimitRedisErrors()
	}
	s.logger.Warn("rate limit store unavailable, allowing request",
		slog.String("key_type", keyType(key)),
		slog.String("error", err.Error()),
	)
	return true, config.RequestsPerWindow, 0
}

var _ RateLimitStore = (*RedisRateLimitStore)(nil)
