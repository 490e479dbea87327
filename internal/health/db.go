package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DefaultCheckTimeout bounds a single dependency check.
const DefaultCheckTimeout = 2 * time.Second

// DBChecker implements health checking for the Postgres venue store.
type DBChecker struct {
	db      *sql.DB
	timeout time.Duration
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db:      db,
		timeout: DefaultCheckTimeout,
	}
}

// HealthCheck pings the database and verifies that the venues table has been
// migrated.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}

	var migrated bool
	err := d.db.QueryRowContext(ctx, `SELECT to_regclass('public.venues') IS NOT NULL`).Scan(&migrated)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !migrated {
		return fmt.Errorf("venues table missing, migrations not applied")
	}
	return nil
}
