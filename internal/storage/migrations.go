package storage

import (
	"context"
	"database/sql"
	"fmt"
)

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at_ns INTEGER NOT NULL
);
`); err != nil {
		return err
	}

	const latest = 3

	cur, err := currentVersion(ctx, d.DB)
	if err != nil {
		return err
	}
	for v := cur + 1; v <= latest; v++ {
		if err := apply(ctx, d.DB, v); err != nil {
			return err
		}
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// Migrations run inside a transaction. The scheduler itself never does.
func apply(ctx context.Context, db *sql.DB, version int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	switch version {
	case 1:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS requests (
  request_id TEXT PRIMARY KEY,
  category TEXT NOT NULL,
  urgency INTEGER NOT NULL,
  first_name TEXT NOT NULL,
  last_name TEXT NOT NULL,
  submitted_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_queue ON requests(category, urgency, submitted_at_ns);

CREATE TABLE IF NOT EXISTS resources (
  resource_id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  category TEXT NOT NULL,
  working_start_ns INTEGER NOT NULL,
  working_end_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resources_category ON resources(category);

CREATE TABLE IF NOT EXISTS bookings (
  resource_id TEXT NOT NULL,
  day TEXT NOT NULL,
  slot_ns INTEGER NOT NULL,
  request_id TEXT NOT NULL,
  urgency INTEGER NOT NULL,
  first_name TEXT NOT NULL,
  last_name TEXT NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  PRIMARY KEY (resource_id, day, slot_ns)
);
`); err != nil {
			return fmt.Errorf("migration v1 failed: %w", err)
		}
	case 2:
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS claims (
  request_id TEXT PRIMARY KEY,
  worker_id TEXT NOT NULL,
  claimed_at_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_claims_age ON claims(claimed_at_ns);
`); err != nil {
			return fmt.Errorf("migration v2 failed: %w", err)
		}
	case 3:
		if _, err := tx.ExecContext(ctx, `
ALTER TABLE bookings ADD COLUMN submitted_at_ns INTEGER NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_bookings_request ON bookings(request_id);
`); err != nil {
			return fmt.Errorf("migration v3 failed: %w", err)
		}
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at_ns) VALUES(?, strftime('%s','now')*1000000000);`, version); err != nil {
		return err
	}
	return tx.Commit()
}
