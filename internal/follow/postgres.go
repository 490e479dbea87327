package follow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/onnwee/boogie/internal/tracing"
)

// pgForeignKeyViolation is the SQLSTATE of a missing venue.
const pgForeignKeyViolation = "23503"

// ErrUnknownVenue is returned by PostgresRepository.Follow when the venue
// does not exist.
var ErrUnknownVenue = errors.New("venue does not exist")

// PostgresRepository implements Repository on the venue_follows table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a Postgres-backed repository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Follow records a follow. Follows of one user are serialized by an advisory
// lock so the MaxPerUser check holds under concurrency.
func (r *PostgresRepository) Follow(ctx context.Context, userID, venueID string) (_ Follow, _ bool, err error) {
	if err := validate(userID, venueID); err != nil {
		return Follow{}, false, err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venue_follows", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Follow{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return Follow{}, false, fmt.Errorf("failed to lock follows: %w", err)
	}

	f := Follow{VenueID: venueID}
	err = tx.QueryRowContext(ctx,
		`SELECT followed_at FROM venue_follows WHERE user_id = $1 AND venue_id = $2`,
		userID, venueID).Scan(&f.FollowedAt)
	if err == nil {
		f.FollowedAt = f.FollowedAt.UTC()
		return f, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Follow{}, false, fmt.Errorf("failed to read follow: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM venue_follows WHERE user_id = $1`, userID).Scan(&count); err != nil {
		return Follow{}, false, fmt.Errorf("failed to count follows: %w", err)
	}
	if count >= MaxPerUser {
		return Follow{}, false, ErrLimitReached
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO venue_follows (user_id, venue_id) VALUES ($1, $2) RETURNING followed_at`,
		userID, venueID).Scan(&f.FollowedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgForeignKeyViolation {
			return Follow{}, false, ErrUnknownVenue
		}
		return Follow{}, false, fmt.Errorf("failed to insert follow: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Follow{}, false, fmt.Errorf("failed to commit follow: %w", err)
	}
	f.FollowedAt = f.FollowedAt.UTC()
	return f, true, nil
}

// Unfollow removes a follow.
func (r *PostgresRepository) Unfollow(ctx context.Context, userID, venueID string) (_ bool, err error) {
	if err := validate(userID, venueID); err != nil {
		return false, err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venue_follows", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM venue_follows WHERE user_id = $1 AND venue_id = $2`, userID, venueID)
	if err != nil {
		return false, fmt.Errorf("failed to delete follow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete follow: %w", err)
	}
	return n > 0, nil
}

// IsFollowing reports whether userID follows venueID.
func (r *PostgresRepository) IsFollowing(ctx context.Context, userID, venueID string) (bool, error) {
	if err := validate(userID, venueID); err != nil {
		return false, err
	}
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM venue_follows WHERE user_id = $1 AND venue_id = $2)`,
		userID, venueID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check follow: %w", err)
	}
	return exists, nil
}

// List returns the follows of userID.
func (r *PostgresRepository) List(ctx context.Context, userID string) (_ []Follow, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, tracing.DBSystemPostgres, "venue_follows", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx,
		`SELECT venue_id, followed_at FROM venue_follows WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	defer rows.Close()

	out := []Follow{}
	for rows.Next() {
		var f Follow
		if err := rows.Scan(&f.VenueID, &f.FollowedAt); err != nil {
			return nil, fmt.Errorf("failed to scan follow: %w", err)
		}
		f.FollowedAt = f.FollowedAt.UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	sortFollows(out)
	return out, nil
}
