package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/boogie/internal/geo"
	"github.com/onnwee/boogie/internal/tracing"
	"github.com/onnwee/boogie/internal/vibe"
)

const (
	redisVenueKeyPrefix = "boogie:venue:"
	redisVenueIndexKey  = "boogie:venues"
)

// Redis hash fields of a venue record.
const (
	fieldName           = "name"
	fieldCategory       = "category"
	fieldLat            = "lat"
	fieldLng            = "lng"
	fieldGeohash        = "coarse_geohash"
	fieldRadius         = "geofence_radius"
	fieldLiveCount      = "live_count"
	fieldVibeLabel      = "vibe_label"
	fieldVibeScore      = "vibe_score"
	fieldLastVibeUpdate = "last_vibe_update"
	fieldReportedVibe   = "last_reported_vibe"
	fieldReportedBy     = "last_reported_by"
	fieldReportedAt     = "last_reported_at"
	fieldCreatedAt      = "created_at"
)

// RedisStore implements Store on Redis hashes. Adjustments WATCH the venue
// key and commit in a MULTI/EXEC pipeline, retrying when the key changed.
type RedisStore struct {
	client *redis.Client
	cfg    StoreConfig
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(client *redis.Client, cfg StoreConfig) *RedisStore {
	return &RedisStore{
		client: client,
		cfg:    cfg.withDefaults(),
	}
}

func redisVenueKey(id string) string {
	return redisVenueKeyPrefix + id
}

// Seed inserts a venue or refreshes the catalog fields of an existing one.
// Live fields are written with HSETNX inside the MULTI block, so a count
// that already exists is never reset.
func (s *RedisStore) Seed(ctx context.Context, v *Venue) error {
	if err := v.Validate(); err != nil {
		return err
	}
	stored := v.clone()
	stored.normalize(s.cfg.Now())

	key := redisVenueKey(stored.ID)
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, "venues", tracing.DBOperationInsert)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldName, stored.Name,
			fieldCategory, stored.Category,
			fieldLat, stored.Location.Lat,
			fieldLng, stored.Location.Lng,
			fieldGeohash, stored.CoarseGeohash,
			fieldRadius, stored.GeofenceRadius,
		)
		pipe.HSetNX(ctx, key, fieldLiveCount, stored.LiveCount)
		pipe.HSetNX(ctx, key, fieldVibeLabel, string(stored.VibeLabel))
		pipe.HSetNX(ctx, key, fieldVibeScore, stored.VibeScore)
		pipe.HSetNX(ctx, key, fieldCreatedAt, stored.CreatedAt.UnixMilli())
		pipe.SAdd(ctx, redisVenueIndexKey, stored.ID)
		return nil
	})
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to seed venue %s: %w", stored.ID, err)
	}
	return nil
}

// Get returns the venue with the given ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*Venue, error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, "venues", tracing.DBOperationQuery)
	fields, err := s.client.HGetAll(ctx, redisVenueKey(id)).Result()
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get venue %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseRedisVenue(id, fields)
}

// List returns all venues ordered by name then ID.
func (s *RedisStore) List(ctx context.Context) (_ []Venue, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, "venues", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	ids, err := s.client.SMembers(ctx, redisVenueIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list venue ids: %w", err)
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, redisVenueKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list venues: %w", err)
	}
	err = nil

	out := make([]Venue, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		v, err := parseRedisVenue(ids[i], fields)
		if err != nil {
			s.cfg.Logger.Warn("skipping malformed venue record",
				slog.String("venue_id", ids[i]),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, *v)
	}
	sortVenues(out)
	return out, nil
}

// ListGeofences returns the geofence of every venue in catalog order.
func (s *RedisStore) ListGeofences(ctx context.Context) ([]Geofence, error) {
	vs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return geofencesOf(vs), nil
}

// AdjustCount applies delta to the venue's live count with clamping at zero.
func (s *RedisStore) AdjustCount(ctx context.Context, venueID string, delta int64, meta *ReportMeta) (Snapshot, error) {
	var snap Snapshot
	err := s.cfg.Retry.do(ctx, s.cfg.Logger, "adjust count", func() error {
		var err error
		snap, err = s.tryAdjust(ctx, venueID, delta, meta)
		if errors.Is(err, redis.TxFailedErr) {
			return conflict(fmt.Errorf("venue %s: %w", venueID, errStaleRead))
		}
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}

	s.cfg.Logger.Debug("venue count adjusted",
		slog.String("venue_id", venueID),
		slog.Int64("delta", delta),
		slog.Int64("live_count", snap.LiveCount),
		slog.String("vibe", snap.Label.String()))
	return snap, nil
}

func (s *RedisStore) tryAdjust(ctx context.Context, venueID string, delta int64, meta *ReportMeta) (_ Snapshot, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemRedis, "venues", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	key := redisVenueKey(venueID)
	var snap Snapshot

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, fieldName, fieldLiveCount).Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return ErrNotFound
		}

		var current int64
		if raw, ok := vals[1].(string); ok {
			current, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("malformed live count %q: %w", raw, err)
			}
		}

		newCount, applied := nextCount(current, delta)
		label, score := vibe.Classify(newCount)
		now := s.cfg.Now()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, fieldLiveCount, applied)
			pipe.HSet(ctx, key,
				fieldVibeLabel, string(label),
				fieldVibeScore, score,
				fieldLastVibeUpdate, now.UnixMilli(),
			)
			if meta != nil {
				pipe.HSet(ctx, key,
					fieldReportedVibe, string(meta.Label),
					fieldReportedBy, meta.UserID,
					fieldReportedAt, meta.At.UnixMilli(),
				)
			}
			return nil
		})
		if err != nil {
			return err
		}

		snap = Snapshot{
			VenueID:   venueID,
			LiveCount: newCount,
			Label:     label,
			Score:     score,
			UpdatedAt: now,
		}
		return nil
	}, key)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func parseRedisVenue(id string, fields map[string]string) (*Venue, error) {
	v := &Venue{
		ID:            id,
		Name:          fields[fieldName],
		Category:      fields[fieldCategory],
		CoarseGeohash: fields[fieldGeohash],
		VibeLabel:     vibe.LabelUnknown,
	}
	if v.Name == "" {
		return nil, fmt.Errorf("venue %s has no name", id)
	}

	var err error
	if v.Location, err = parsePoint(fields[fieldLat], fields[fieldLng]); err != nil {
		return nil, err
	}
	if v.GeofenceRadius, err = parseFloat(fields[fieldRadius]); err != nil {
		return nil, fmt.Errorf("geofence radius: %w", err)
	}
	if raw := fields[fieldLiveCount]; raw != "" {
		if v.LiveCount, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("live count: %w", err)
		}
	}
	if raw := fields[fieldVibeLabel]; raw != "" {
		v.VibeLabel = vibe.Label(raw)
	}
	if v.VibeScore, err = parseFloat(fields[fieldVibeScore]); err != nil {
		return nil, fmt.Errorf("vibe score: %w", err)
	}
	if t, ok := parseMillis(fields[fieldLastVibeUpdate]); ok {
		v.LastVibeUpdate = &t
	}
	if t, ok := parseMillis(fields[fieldCreatedAt]); ok {
		v.CreatedAt = t
	}
	if by := fields[fieldReportedBy]; by != "" {
		at, _ := parseMillis(fields[fieldReportedAt])
		v.LastReport = &ReportMeta{
			Label:  vibe.Label(fields[fieldReportedVibe]),
			UserID: by,
			At:     at,
		}
	}
	return v, nil
}

func parsePoint(lat, lng string) (geo.Point, error) {
	var p geo.Point
	var err error
	if p.Lat, err = parseFloat(lat); err != nil {
		return p, fmt.Errorf("lat: %w", err)
	}
	if p.Lng, err = parseFloat(lng); err != nil {
		return p, fmt.Errorf("lng: %w", err)
	}
	return p, nil
}

func parseFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func parseMillis(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
