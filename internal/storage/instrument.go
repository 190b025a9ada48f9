package storage

import (
	"context"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/obs"
)

// Instrument wraps s so that every call is counted in
// sched_storage_ops_total by operation, read/write kind and result.
func Instrument(s Store, m *obs.Metrics) Store {
	if m == nil {
		return s
	}
	return &instrumented{next: s, m: m}
}

type instrumented struct {
	next Store
	m    *obs.Metrics
}

const (
	kindRead  = "read"
	kindWrite = "write"
)

func (i *instrumented) count(op, kind string, err error) {
	result := "ok"
	switch {
	case IsBusy(err):
		result = "busy"
	case err != nil:
		result = "error"
	}
	i.m.StorageOpsTotal.WithLabelValues(op, kind, result).Inc()
}

func (i *instrumented) InsertRequest(ctx context.Context, req model.Request) error {
	err := i.next.InsertRequest(ctx, req)
	i.count("insert_request", kindWrite, err)
	return err
}

func (i *instrumented) DeleteRequest(ctx context.Context, req model.Request) error {
	err := i.next.DeleteRequest(ctx, req)
	i.count("delete_request", kindWrite, err)
	return err
}

func (i *instrumented) SelectRequest(ctx context.Context, requestID string) (*model.Request, error) {
	out, err := i.next.SelectRequest(ctx, requestID)
	i.count("select_request", kindRead, err)
	return out, err
}

func (i *instrumented) SelectPendingRequests(ctx context.Context, category string, limit int) ([]model.Request, error) {
	out, err := i.next.SelectPendingRequests(ctx, category, limit)
	i.count("select_pending", kindRead, err)
	return out, err
}

func (i *instrumented) InsertResource(ctx context.Context, res model.Resource) error {
	err := i.next.InsertResource(ctx, res)
	i.count("insert_resource", kindWrite, err)
	return err
}

func (i *instrumented) SelectResourcesByCategory(ctx context.Context, category string) ([]model.Resource, error) {
	out, err := i.next.SelectResourcesByCategory(ctx, category)
	i.count("select_resources", kindRead, err)
	return out, err
}

func (i *instrumented) InsertBooking(ctx context.Context, b model.Booking) error {
	err := i.next.InsertBooking(ctx, b)
	i.count("insert_booking", kindWrite, err)
	return err
}

func (i *instrumented) UpdateBooking(ctx context.Context, b model.Booking) error {
	err := i.next.UpdateBooking(ctx, b)
	i.count("update_booking", kindWrite, err)
	return err
}

func (i *instrumented) SelectLatestBooking(ctx context.Context, resourceID string) (*model.Booking, error) {
	out, err := i.next.SelectLatestBooking(ctx, resourceID)
	i.count("select_latest_booking", kindRead, err)
	return out, err
}

func (i *instrumented) SelectDaySchedule(ctx context.Context, resourceID string, day time.Time) ([]model.Booking, error) {
	out, err := i.next.SelectDaySchedule(ctx, resourceID, day)
	i.count("select_day_schedule", kindRead, err)
	return out, err
}

func (i *instrumented) SelectSlot(ctx context.Context, resourceID string, day time.Time, slot model.Clock) (*model.Booking, error) {
	out, err := i.next.SelectSlot(ctx, resourceID, day, slot)
	i.count("select_slot", kindRead, err)
	return out, err
}

func (i *instrumented) SelectBookingByRequest(ctx context.Context, requestID string) (*model.Booking, error) {
	out, err := i.next.SelectBookingByRequest(ctx, requestID)
	i.count("select_booking_by_request", kindRead, err)
	return out, err
}

func (i *instrumented) UpsertClaim(ctx context.Context, c model.Claim) error {
	err := i.next.UpsertClaim(ctx, c)
	i.count("upsert_claim", kindWrite, err)
	return err
}

func (i *instrumented) SelectClaim(ctx context.Context, requestID string) (*model.Claim, error) {
	out, err := i.next.SelectClaim(ctx, requestID)
	i.count("select_claim", kindRead, err)
	return out, err
}

func (i *instrumented) DeleteClaim(ctx context.Context, requestID string) error {
	err := i.next.DeleteClaim(ctx, requestID)
	i.count("delete_claim", kindWrite, err)
	return err
}

func (i *instrumented) SelectClaims(ctx context.Context) ([]model.Claim, error) {
	out, err := i.next.SelectClaims(ctx)
	i.count("select_claims", kindRead, err)
	return out, err
}

func (i *instrumented) Close() error { return i.next.Close() }
