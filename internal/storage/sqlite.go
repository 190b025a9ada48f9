package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/janmaj/srds-przychodnia/internal/model"
)

// DB is the sqlite-backed Store. Every statement runs on its own, outside
// any transaction, so concurrent workers see plain last-writer-wins upserts.
type DB struct {
	*sql.DB
}

var _ Store = (*DB)(nil)

type Config struct {
	Path            string
	BusyTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		cfg.Path,
		int(cfg.BusyTimeout.Milliseconds()),
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, unavailable("open", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping", err)
	}

	wdb := &DB{DB: db}

	if err := wdb.applyPragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := wdb.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return wdb, nil
}

func (d *DB) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := d.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("apply pragma failed (%s): %w", p, err)
		}
	}
	return nil
}

// IsBusy reports whether err came from sqlite lock contention.
func IsBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func (d *DB) InsertRequest(ctx context.Context, req model.Request) error {
	_, err := d.ExecContext(ctx, `
INSERT INTO requests(request_id, category, urgency, first_name, last_name, submitted_at_ns)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
  category=excluded.category,
  urgency=excluded.urgency,
  first_name=excluded.first_name,
  last_name=excluded.last_name,
  submitted_at_ns=excluded.submitted_at_ns;
`, req.ID, req.Category, req.Urgency, req.Requester.FirstName, req.Requester.LastName, req.SubmittedAt.UnixNano())
	if err != nil {
		return unavailable("insert request", err)
	}
	return nil
}

func (d *DB) DeleteRequest(ctx context.Context, req model.Request) error {
	if _, err := d.ExecContext(ctx, `DELETE FROM requests WHERE request_id = ?;`, req.ID); err != nil {
		return unavailable("delete request", err)
	}
	return nil
}

func (d *DB) SelectRequest(ctx context.Context, requestID string) (*model.Request, error) {
	var (
		r  model.Request
		ns int64
	)
	err := d.QueryRowContext(ctx, `
SELECT request_id, category, urgency, first_name, last_name, submitted_at_ns
FROM requests
WHERE request_id = ?;
`, requestID).Scan(&r.ID, &r.Category, &r.Urgency, &r.Requester.FirstName, &r.Requester.LastName, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("select request", err)
	}
	r.SubmittedAt = time.Unix(0, ns).UTC()
	return &r, nil
}

func (d *DB) SelectPendingRequests(ctx context.Context, category string, limit int) ([]model.Request, error) {
	rows, err := d.QueryContext(ctx, `
SELECT request_id, category, urgency, first_name, last_name, submitted_at_ns
FROM requests
WHERE category = ?
ORDER BY urgency ASC, submitted_at_ns ASC, request_id ASC
LIMIT ?;
`, category, limit)
	if err != nil {
		return nil, unavailable("select pending", err)
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		var (
			r  model.Request
			ns int64
		)
		if err := rows.Scan(&r.ID, &r.Category, &r.Urgency, &r.Requester.FirstName, &r.Requester.LastName, &ns); err != nil {
			return nil, unavailable("select pending", err)
		}
		r.SubmittedAt = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select pending", err)
	}
	return out, nil
}

func (d *DB) InsertResource(ctx context.Context, res model.Resource) error {
	_, err := d.ExecContext(ctx, `
INSERT INTO resources(resource_id, name, category, working_start_ns, working_end_ns)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(resource_id) DO UPDATE SET
  name=excluded.name,
  category=excluded.category,
  working_start_ns=excluded.working_start_ns,
  working_end_ns=excluded.working_end_ns;
`, res.ID, res.Name, res.Category, int64(res.WorkingStart), int64(res.WorkingEnd))
	if err != nil {
		return unavailable("insert resource", err)
	}
	return nil
}

func (d *DB) SelectResourcesByCategory(ctx context.Context, category string) ([]model.Resource, error) {
	rows, err := d.QueryContext(ctx, `
SELECT resource_id, name, category, working_start_ns, working_end_ns
FROM resources
WHERE category = ?
ORDER BY resource_id ASC;
`, category)
	if err != nil {
		return nil, unavailable("select resources", err)
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		var (
			r          model.Resource
			start, end int64
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Category, &start, &end); err != nil {
			return nil, unavailable("select resources", err)
		}
		r.WorkingStart = model.Clock(start)
		r.WorkingEnd = model.Clock(end)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select resources", err)
	}
	return out, nil
}

const upsertBooking = `
INSERT INTO bookings(resource_id, day, slot_ns, request_id, urgency, first_name, last_name, submitted_at_ns, updated_at_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(resource_id, day, slot_ns) DO UPDATE SET
  request_id=excluded.request_id,
  urgency=excluded.urgency,
  first_name=excluded.first_name,
  last_name=excluded.last_name,
  submitted_at_ns=excluded.submitted_at_ns,
  updated_at_ns=excluded.updated_at_ns;
`

func (d *DB) writeBooking(ctx context.Context, op string, b model.Booking) error {
	_, err := d.ExecContext(ctx, upsertBooking,
		b.ResourceID, b.Date.Format(model.DateLayout), int64(b.Slot),
		b.RequestID, b.Urgency, b.Requester.FirstName, b.Requester.LastName,
		unixNano(b.SubmittedAt), time.Now().UnixNano(),
	)
	if err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (d *DB) InsertBooking(ctx context.Context, b model.Booking) error {
	return d.writeBooking(ctx, "insert booking", b)
}

func (d *DB) UpdateBooking(ctx context.Context, b model.Booking) error {
	return d.writeBooking(ctx, "update booking", b)
}

const bookingColumns = `resource_id, day, slot_ns, request_id, urgency, first_name, last_name, submitted_at_ns`

// unixNano maps the zero time to 0 so it survives a round trip.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (model.Booking, error) {
	var (
		b         model.Booking
		day       string
		slot      int64
		submitted int64
	)
	if err := s.Scan(&b.ResourceID, &day, &slot, &b.RequestID, &b.Urgency, &b.Requester.FirstName, &b.Requester.LastName, &submitted); err != nil {
		return model.Booking{}, err
	}
	date, err := model.ParseDate(day)
	if err != nil {
		return model.Booking{}, err
	}
	b.Date = date
	b.Slot = model.Clock(slot)
	b.SubmittedAt = fromUnixNano(submitted)
	return b, nil
}

func (d *DB) queryOneBooking(ctx context.Context, op, query string, args ...any) (*model.Booking, error) {
	b, err := scanBooking(d.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(op, err)
	}
	return &b, nil
}

func (d *DB) SelectLatestBooking(ctx context.Context, resourceID string) (*model.Booking, error) {
	return d.queryOneBooking(ctx, "select latest booking", `
SELECT `+bookingColumns+`
FROM bookings
WHERE resource_id = ?
ORDER BY day DESC, slot_ns DESC
LIMIT 1;
`, resourceID)
}

func (d *DB) SelectSlot(ctx context.Context, resourceID string, day time.Time, slot model.Clock) (*model.Booking, error) {
	return d.queryOneBooking(ctx, "select slot", `
SELECT `+bookingColumns+`
FROM bookings
WHERE resource_id = ? AND day = ? AND slot_ns = ?;
`, resourceID, model.Day(day).Format(model.DateLayout), int64(slot))
}

func (d *DB) SelectBookingByRequest(ctx context.Context, requestID string) (*model.Booking, error) {
	return d.queryOneBooking(ctx, "select booking by request", `
SELECT `+bookingColumns+`
FROM bookings
WHERE request_id = ?
ORDER BY day ASC, slot_ns ASC
LIMIT 1;
`, requestID)
}

func (d *DB) SelectDaySchedule(ctx context.Context, resourceID string, day time.Time) ([]model.Booking, error) {
	rows, err := d.QueryContext(ctx, `
SELECT `+bookingColumns+`
FROM bookings
WHERE resource_id = ? AND day = ?
ORDER BY slot_ns ASC;
`, resourceID, model.Day(day).Format(model.DateLayout))
	if err != nil {
		return nil, unavailable("select day schedule", err)
	}
	defer rows.Close()

	var out []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, unavailable("select day schedule", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select day schedule", err)
	}
	return out, nil
}

func (d *DB) UpsertClaim(ctx context.Context, c model.Claim) error {
	_, err := d.ExecContext(ctx, `
INSERT INTO claims(request_id, worker_id, claimed_at_ns)
VALUES(?, ?, ?)
ON CONFLICT(request_id) DO UPDATE SET
  worker_id=excluded.worker_id,
  claimed_at_ns=excluded.claimed_at_ns;
`, c.RequestID, c.WorkerID, c.ClaimedAt.UnixNano())
	if err != nil {
		return unavailable("upsert claim", err)
	}
	return nil
}

func (d *DB) SelectClaim(ctx context.Context, requestID string) (*model.Claim, error) {
	var (
		c  model.Claim
		ns int64
	)
	err := d.QueryRowContext(ctx, `SELECT request_id, worker_id, claimed_at_ns FROM claims WHERE request_id = ?;`, requestID).
		Scan(&c.RequestID, &c.WorkerID, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("select claim", err)
	}
	c.ClaimedAt = time.Unix(0, ns).UTC()
	return &c, nil
}

func (d *DB) DeleteClaim(ctx context.Context, requestID string) error {
	if _, err := d.ExecContext(ctx, `DELETE FROM claims WHERE request_id = ?;`, requestID); err != nil {
		return unavailable("delete claim", err)
	}
	return nil
}

func (d *DB) SelectClaims(ctx context.Context) ([]model.Claim, error) {
	rows, err := d.QueryContext(ctx, `SELECT request_id, worker_id, claimed_at_ns FROM claims ORDER BY claimed_at_ns ASC;`)
	if err != nil {
		return nil, unavailable("select claims", err)
	}
	defer rows.Close()

	var out []model.Claim
	for rows.Next() {
		var (
			c  model.Claim
			ns int64
		)
		if err := rows.Scan(&c.RequestID, &c.WorkerID, &ns); err != nil {
			return nil, unavailable("select claims", err)
		}
		c.ClaimedAt = time.Unix(0, ns).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("select claims", err)
	}
	return out, nil
}
