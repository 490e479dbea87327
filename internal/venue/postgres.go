package venue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/onnwee/boogie/internal/tracing"
	"github.com/onnwee/boogie/internal/vibe"
)

// PostgreSQL error codes that mark a transaction as safe to retry.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore implements Store on PostgreSQL. Adjustments run in
// SERIALIZABLE transactions and are retried on serialization failures.
type PostgresStore struct {
	db  *sql.DB
	cfg StoreConfig
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, cfg StoreConfig) *PostgresStore {
	return &PostgresStore{
		db:  db,
		cfg: cfg.withDefaults(),
	}
}

const venueColumns = `id, name, category, lat, lng, coarse_geohash, geofence_radius,
	live_count, vibe_label, vibe_score, last_vibe_update,
	last_reported_vibe, last_reported_by, last_reported_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVenue(row rowScanner) (*Venue, error) {
	var (
		v          Venue
		label      sql.NullString
		score      sql.NullFloat64
		lastUpdate sql.NullTime
		repVibe    sql.NullString
		repBy      sql.NullString
		repAt      sql.NullTime
	)
	err := row.Scan(&v.ID, &v.Name, &v.Category, &v.Location.Lat, &v.Location.Lng,
		&v.CoarseGeohash, &v.GeofenceRadius, &v.LiveCount, &label, &score, &lastUpdate,
		&repVibe, &repBy, &repAt, &v.CreatedAt)
	if err != nil {
		return nil, err
	}

	v.VibeLabel = vibe.LabelUnknown
	if label.Valid {
		v.VibeLabel = vibe.Label(label.String)
	}
	v.VibeScore = score.Float64
	if lastUpdate.Valid {
		t := lastUpdate.Time
		v.LastVibeUpdate = &t
	}
	if repVibe.Valid && repBy.Valid && repAt.Valid {
		v.LastReport = &ReportMeta{
			Label:  vibe.Label(repVibe.String),
			UserID: repBy.String,
			At:     repAt.Time,
		}
	}
	return &v, nil
}

// Seed inserts a venue or refreshes the catalog fields of an existing one.
// Live count, vibe and report metadata of an existing venue are left alone.
func (s *PostgresStore) Seed(ctx context.Context, v *Venue) error {
	if err := v.Validate(); err != nil {
		return err
	}
	stored := v.clone()
	stored.normalize(s.cfg.Now())

	query := `
		INSERT INTO venues (id, name, category, lat, lng, coarse_geohash, geofence_radius,
			live_count, vibe_label, vibe_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			coarse_geohash = EXCLUDED.coarse_geohash,
			geofence_radius = EXCLUDED.geofence_radius,
			updated_at = NOW()
	`
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venues", tracing.DBOperationInsert)
	_, err := s.db.ExecContext(ctx, query,
		stored.ID, stored.Name, stored.Category, stored.Location.Lat, stored.Location.Lng,
		stored.CoarseGeohash, stored.GeofenceRadius, stored.LiveCount,
		string(stored.VibeLabel), stored.VibeScore, stored.CreatedAt)
	endSpan(err)
	if err != nil {
		return fmt.Errorf("failed to seed venue %s: %w", stored.ID, err)
	}
	return nil
}

// Get returns the venue with the given ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Venue, error) {
	query := `SELECT ` + venueColumns + ` FROM venues WHERE id = $1`
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venues", tracing.DBOperationQuery)
	v, err := scanVenue(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		endSpan(nil)
		return nil, ErrNotFound
	}
	endSpan(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get venue %s: %w", id, err)
	}
	return v, nil
}

// List returns all venues ordered by name then ID.
func (s *PostgresStore) List(ctx context.Context) (_ []Venue, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venues", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `SELECT ` + venueColumns + ` FROM venues ORDER BY name, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list venues: %w", err)
	}
	defer rows.Close()

	var out []Venue
	for rows.Next() {
		v, err := scanVenue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan venue: %w", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list venues: %w", err)
	}
	// Collation may differ from Go string order.
	sortVenues(out)
	return out, nil
}

// ListGeofences returns the geofence of every venue in catalog order.
func (s *PostgresStore) ListGeofences(ctx context.Context) ([]Geofence, error) {
	vs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return geofencesOf(vs), nil
}

// AdjustCount applies delta to the venue's live count with clamping at zero.
func (s *PostgresStore) AdjustCount(ctx context.Context, venueID string, delta int64, meta *ReportMeta) (Snapshot, error) {
	var snap Snapshot
	err := s.cfg.Retry.do(ctx, s.cfg.Logger, "adjust count", func() error {
		var err error
		snap, err = s.tryAdjust(ctx, venueID, delta, meta)
		if isRetryable(err) {
			return conflict(err)
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

func (s *PostgresStore) tryAdjust(ctx context.Context, venueID string, delta int64, meta *ReportMeta) (_ Snapshot, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venues", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// Always attempt rollback on function exit (no-op after successful commit)
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.cfg.Logger.Warn("failed to rollback transaction",
				slog.String("error", err.Error()))
		}
	}()

	var current int64
	err = tx.QueryRowContext(ctx, `SELECT live_count FROM venues WHERE id = $1 FOR UPDATE`, venueID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read live count: %w", err)
	}

	newCount, applied := nextCount(current, delta)
	label, score := vibe.Classify(newCount)
	now := s.cfg.Now().UTC()

	var (
		repVibe sql.NullString
		repBy   sql.NullString
		repAt   sql.NullTime
	)
	if meta != nil {
		repVibe = sql.NullString{String: string(meta.Label), Valid: true}
		repBy = sql.NullString{String: meta.UserID, Valid: true}
		repAt = sql.NullTime{Time: meta.At, Valid: true}
	}

	update := `
		UPDATE venues SET
			live_count = live_count + $2,
			vibe_label = $3,
			vibe_score = $4,
			last_vibe_update = $5,
			last_reported_vibe = COALESCE($6::text, last_reported_vibe),
			last_reported_by = COALESCE($7::text, last_reported_by),
			last_reported_at = COALESCE($8::timestamptz, last_reported_at),
			updated_at = $5
		WHERE id = $1
		RETURNING live_count
	`
	var stored int64
	err = tx.QueryRowContext(ctx, update, venueID, applied, string(label), score, now, repVibe, repBy, repAt).Scan(&stored)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to update live count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return Snapshot{
		VenueID:   venueID,
		LiveCount: stored,
		Label:     label,
		Score:     score,
		UpdatedAt: now,
	}, nil
}

// isRetryable reports whether err is a serialization failure or deadlock.
func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	code := string(pqErr.Code)
	return code == pqSerializationFailure || code == pqDeadlockDetected
}
