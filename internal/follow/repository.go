package follow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/boogie/internal/tracing"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu      sync.RWMutex
	follows map[string]map[string]time.Time // userID -> venueID -> followed at
	now     func() time.Time
}

// NewInMemoryRepository creates a new in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		follows: make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Follow records a follow.
func (r *InMemoryRepository) Follow(ctx context.Context, userID, venueID string) (Follow, bool, error) {
	if err := validate(userID, venueID); err != nil {
		return Follow{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	venues := r.follows[userID]
	if at, ok := venues[venueID]; ok {
		return Follow{VenueID: venueID, FollowedAt: at}, false, nil
	}
	if len(venues) >= MaxPerUser {
		return Follow{}, false, ErrLimitReached
	}
	if venues == nil {
		venues = make(map[string]time.Time)
		r.follows[userID] = venues
	}
	at := r.now().UTC()
	venues[venueID] = at
	return Follow{VenueID: venueID, FollowedAt: at}, true, nil
}

// Unfollow removes a follow.
func (r *InMemoryRepository) Unfollow(ctx context.Context, userID, venueID string) (bool, error) {
	if err := validate(userID, venueID); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	venues := r.follows[userID]
	if _, ok := venues[venueID]; !ok {
		return false, nil
	}
	delete(venues, venueID)
	if len(venues) == 0 {
		delete(r.follows, userID)
	}
	return true, nil
}

// IsFollowing reports whether userID follows venueID.
func (r *InMemoryRepository) IsFollowing(ctx context.Context, userID, venueID string) (bool, error) {
	if err := validate(userID, venueID); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.follows[userID][venueID]
	return ok, nil
}

// List returns the follows of userID.
func (r *InMemoryRepository) List(ctx context.Context, userID string) ([]Follow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Follow, 0, len(r.follows[userID]))
	for venueID, at := range r.follows[userID] {
		out = append(out, Follow{VenueID: venueID, FollowedAt: at})
	}
	sortFollows(out)
	return out, nil
}

const redisKeyPrefix = "boogie:following:"

// followScript adds a follow unless it exists or the user is at the limit.
// It returns the stored score and 1 when the follow was created.
var followScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score then
	return {score, 0}
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
	return {'', -1}
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return {ARGV[2], 1}
`)

// RedisRepository implements Repository with one sorted set per user, scored
// by the follow time in milliseconds.
type RedisRepository struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisRepository creates a Redis-backed repository.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client, now: time.Now}
}

func redisKey(userID string) string {
	return redisKeyPrefix + userID
}

// Follow records a follow.
func (r *RedisRepository) Follow(ctx context.Context, userID, venueID string) (_ Follow, _ bool, err error) {
	if err := validate(userID, venueID); err != nil {
		return Follow{}, false, err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, "following", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	at := r.now().UTC().UnixMilli()
	res, err := followScript.Run(ctx, r.client, []string{redisKey(userID)}, venueID, at, MaxPerUser).Slice()
	if err != nil {
		return Follow{}, false, fmt.Errorf("failed to follow venue: %w", err)
	}
	if len(res) != 2 {
		return Follow{}, false, fmt.Errorf("failed to follow venue: unexpected reply %v", res)
	}
	created, _ := res[1].(int64)
	if created < 0 {
		return Follow{}, false, ErrLimitReached
	}
	score, _ := res[0].(string)
	ms, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return Follow{}, false, fmt.Errorf("failed to decode follow time %q: %w", score, err)
	}
	return Follow{VenueID: venueID, FollowedAt: time.UnixMilli(int64(ms)).UTC()}, created == 1, nil
}

// Unfollow removes a follow.
func (r *RedisRepository) Unfollow(ctx context.Context, userID, venueID string) (_ bool, err error) {
	if err := validate(userID, venueID); err != nil {
		return false, err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, "following", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	n, err := r.client.ZRem(ctx, redisKey(userID), venueID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to unfollow venue: %w", err)
	}
	return n > 0, nil
}

// IsFollowing reports whether userID follows venueID.
func (r *RedisRepository) IsFollowing(ctx context.Context, userID, venueID string) (bool, error) {
	if err := validate(userID, venueID); err != nil {
		return false, err
	}
	err := r.client.ZScore(ctx, redisKey(userID), venueID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check follow: %w", err)
	}
	return true, nil
}

// List returns the follows of userID.
func (r *RedisRepository) List(ctx context.Context, userID string) (_ []Follow, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, "following", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	members, err := r.client.ZRevRangeWithScores(ctx, redisKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	out := make([]Follow, 0, len(members))
	for _, m := range members {
		venueID, _ := m.Member.(string)
		out = append(out, Follow{VenueID: venueID, FollowedAt: time.UnixMilli(int64(m.Score)).UTC()})
	}
	sortFollows(out)
	return out, nil
}
