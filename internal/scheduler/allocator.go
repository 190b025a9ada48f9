package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

var ErrNoResources = errors.New("no resources for category")

// Candidate is the slot the allocator proposes for the next booking.
type Candidate struct {
	Resource model.Resource
	Date     time.Time
	Slot     model.Clock

	// Evictable is set when the resource already has bookings on
	// EvictionDate that a more urgent request could displace.
	Evictable    bool
	EvictionDate time.Time
}

func (c Candidate) Start() time.Time { return c.Slot.On(c.Date) }

func (c Candidate) String() string {
	return fmt.Sprintf("%s@%s %s", c.Resource.ID, c.Date.Format(model.DateLayout), c.Slot)
}

// Allocator finds the earliest open slot across a set of resources. It
// reads each resource's latest booking and appends after it; gaps left
// earlier in a day are never reused.
type Allocator struct {
	store storage.Store
	now   func() time.Time
}

func NewAllocator(store storage.Store, now func() time.Time) *Allocator {
	if now == nil {
		now = time.Now
	}
	return &Allocator{store: store, now: now}
}

// FindSlot returns the chronologically earliest candidate. Ties go to the
// resource that comes first in resources.
func (a *Allocator) FindSlot(ctx context.Context, resources []model.Resource) (Candidate, error) {
	if len(resources) == 0 {
		return Candidate{}, ErrNoResources
	}
	var (
		best  Candidate
		found bool
	)
	for _, res := range resources {
		c, err := a.CandidateFor(ctx, res)
		if err != nil {
			return Candidate{}, err
		}
		if !found || c.Start().Before(best.Start()) {
			best, found = c, true
		}
	}
	return best, nil
}

// CandidateFor computes the next slot of a single resource.
func (a *Allocator) CandidateFor(ctx context.Context, res model.Resource) (Candidate, error) {
	floor := model.NextDay(a.now())
	opening := Candidate{Resource: res, Date: floor, Slot: res.WorkingStart}

	latest, err := a.store.SelectLatestBooking(ctx, res.ID)
	if err != nil {
		return Candidate{}, err
	}
	if latest == nil {
		return opening, nil
	}

	day := model.Day(latest.Date)
	c := Candidate{
		Resource:     res,
		Date:         day,
		Slot:         latest.Slot.Add(model.SlotWidth),
		Evictable:    true,
		EvictionDate: day,
	}
	if latest.Slot.Add(model.TailBuffer) > res.WorkingEnd {
		// day is full: open the next one, but the full day can still give
		// up a less urgent booking
		c.Date = day.AddDate(0, 0, 1)
		c.Slot = res.WorkingStart
	}

	// bookings are never made for today or earlier
	if day.Before(floor) {
		c.Evictable = false
		c.EvictionDate = time.Time{}
	}
	if c.Start().Before(opening.Start()) {
		c.Date, c.Slot = opening.Date, opening.Slot
	}
	// working hours may have changed since the latest booking was made
	switch {
	case c.Slot < res.WorkingStart:
		c.Slot = res.WorkingStart
	case !res.Fits(c.Slot):
		c.Date, c.Slot = c.Date.AddDate(0, 0, 1), res.WorkingStart
	}
	return c, nil
}
