package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
)

// ErrUnavailable wraps every failure to reach the backend. Callers treat it
// as fatal for the current cycle only.
var ErrUnavailable = errors.New("storage unavailable")

// Store is the only way the scheduler touches shared state. Implementations
// give no transactions and no conditional writes: every write is an upsert
// and the last writer wins. Reads may lag behind writes.
//
// Lookups that find nothing return (nil, nil).
type Store interface {
	InsertRequest(ctx context.Context, req model.Request) error
	DeleteRequest(ctx context.Context, req model.Request) error
	SelectRequest(ctx context.Context, requestID string) (*model.Request, error)
	// SelectPendingRequests returns up to limit requests of the category,
	// most urgent first, then oldest first.
	SelectPendingRequests(ctx context.Context, category string, limit int) ([]model.Request, error)

	InsertResource(ctx context.Context, res model.Resource) error
	// SelectResourcesByCategory returns resources ordered by id.
	SelectResourcesByCategory(ctx context.Context, category string) ([]model.Resource, error)

	InsertBooking(ctx context.Context, b model.Booking) error
	// UpdateBooking overwrites the occupant of an existing slot.
	UpdateBooking(ctx context.Context, b model.Booking) error
	SelectLatestBooking(ctx context.Context, resourceID string) (*model.Booking, error)
	// SelectDaySchedule returns the bookings of one day ordered by slot.
	SelectDaySchedule(ctx context.Context, resourceID string, day time.Time) ([]model.Booking, error)
	SelectSlot(ctx context.Context, resourceID string, day time.Time, slot model.Clock) (*model.Booking, error)
	// SelectBookingByRequest finds a slot currently held by the request.
	SelectBookingByRequest(ctx context.Context, requestID string) (*model.Booking, error)

	UpsertClaim(ctx context.Context, c model.Claim) error
	SelectClaim(ctx context.Context, requestID string) (*model.Claim, error)
	DeleteClaim(ctx context.Context, requestID string) error
	SelectClaims(ctx context.Context) ([]model.Claim, error)

	Close() error
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
