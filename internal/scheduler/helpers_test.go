package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// today is the fixed "now" of the scheduler tests; the first bookable day
// is the 2nd of March.
var today = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return today }

var (
	day1 = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
)

func clock(h, m int) model.Clock { return model.NewClock(h, m) }

func smith() model.Resource {
	return model.Resource{ID: "1", Name: "Dr. Smith", Category: "general", WorkingStart: clock(8, 0), WorkingEnd: clock(16, 0)}
}

func johnson() model.Resource {
	return model.Resource{ID: "2", Name: "Dr. Johnson", Category: "general", WorkingStart: clock(10, 0), WorkingEnd: clock(14, 0)}
}

func seedResources(t *testing.T, s storage.Store, rs ...model.Resource) {
	t.Helper()
	for _, r := range rs {
		if err := s.InsertResource(context.Background(), r); err != nil {
			t.Fatalf("insert resource: %v", err)
		}
	}
}

func seedBooking(t *testing.T, s storage.Store, resourceID string, day time.Time, slot model.Clock, requestID string, urgency int) model.Booking {
	t.Helper()
	b := model.Booking{
		ResourceID: resourceID,
		Date:       day,
		Slot:       slot,
		RequestID:  requestID,
		Urgency:    urgency,
		Requester:  model.Requester{FirstName: "Anna", LastName: requestID},
	}
	if err := s.InsertBooking(context.Background(), b); err != nil {
		t.Fatalf("insert booking: %v", err)
	}
	return b
}

func newRequest(id string, urgency int) model.Request {
	return model.Request{
		ID:          id,
		Category:    "general",
		Urgency:     urgency,
		Requester:   model.Requester{FirstName: "Jan", LastName: id},
		SubmittedAt: today,
	}
}

func slotHolder(t *testing.T, s storage.Store, resourceID string, day time.Time, slot model.Clock) string {
	t.Helper()
	b, err := s.SelectSlot(context.Background(), resourceID, day, slot)
	if err != nil {
		t.Fatalf("select slot: %v", err)
	}
	if b == nil {
		return ""
	}
	return b.RequestID
}

// interferingStore lets a test play the part of a concurrent worker: after
// the first n matching writes it overwrites the same slot with a foreign
// booking, as if another worker's write had landed last.
type interferingStore struct {
	storage.Store

	mu       sync.Mutex
	onInsert int // how many InsertBooking calls to interfere with
	onUpdate int // how many UpdateBooking calls to interfere with
	thief    string
}

func (s *interferingStore) steal(ctx context.Context, b model.Booking) error {
	b.RequestID = s.thief
	b.Urgency = model.UrgencyCritical
	return s.Store.InsertBooking(ctx, b)
}

func (s *interferingStore) InsertBooking(ctx context.Context, b model.Booking) error {
	if err := s.Store.InsertBooking(ctx, b); err != nil {
		return err
	}
	s.mu.Lock()
	interfere := s.onInsert > 0
	if interfere {
		s.onInsert--
	}
	s.mu.Unlock()
	if interfere {
		return s.steal(ctx, b)
	}
	return nil
}

func (s *interferingStore) UpdateBooking(ctx context.Context, b model.Booking) error {
	if err := s.Store.UpdateBooking(ctx, b); err != nil {
		return err
	}
	s.mu.Lock()
	interfere := s.onUpdate > 0
	if interfere {
		s.onUpdate--
	}
	s.mu.Unlock()
	if interfere {
		return s.steal(ctx, b)
	}
	return nil
}

// flakyStore simulates a backend outage in the middle of a cycle: once a
// call of armOn succeeds (immediately when armOn is empty), the next fails
// calls of failOn return ErrUnavailable. Afterwards the store is healthy.
type flakyStore struct {
	storage.Store

	mu     sync.Mutex
	armOn  string
	failOn string
	fails  int
	armed  bool
}

func (s *flakyStore) before(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (s.armed || s.armOn == "") && op == s.failOn && s.fails > 0 {
		s.fails--
		return fmt.Errorf("%s: %w", op, storage.ErrUnavailable)
	}
	return nil
}

func (s *flakyStore) after(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil && op == s.armOn {
		s.armed = true
	}
}

func (s *flakyStore) InsertBooking(ctx context.Context, b model.Booking) error {
	if err := s.before("insert_booking"); err != nil {
		return err
	}
	err := s.Store.InsertBooking(ctx, b)
	s.after("insert_booking", err)
	return err
}

func (s *flakyStore) UpdateBooking(ctx context.Context, b model.Booking) error {
	if err := s.before("update_booking"); err != nil {
		return err
	}
	err := s.Store.UpdateBooking(ctx, b)
	s.after("update_booking", err)
	return err
}

func (s *flakyStore) SelectSlot(ctx context.Context, resourceID string, day time.Time, slot model.Clock) (*model.Booking, error) {
	if err := s.before("select_slot"); err != nil {
		return nil, err
	}
	out, err := s.Store.SelectSlot(ctx, resourceID, day, slot)
	s.after("select_slot", err)
	return out, err
}

func (s *flakyStore) DeleteRequest(ctx context.Context, req model.Request) error {
	if err := s.before("delete_request"); err != nil {
		return err
	}
	err := s.Store.DeleteRequest(ctx, req)
	s.after("delete_request", err)
	return err
}

// bookingsOf lists every slot holding requestID on the first two bookable
// days across the test resources.
func bookingsOf(t *testing.T, s storage.Store, requestID string) []model.Booking {
	t.Helper()
	var out []model.Booking
	for _, res := range []string{"1", "2"} {
		for _, day := range []time.Time{day1, day2} {
			sched, err := s.SelectDaySchedule(context.Background(), res, day)
			if err != nil {
				t.Fatalf("select schedule: %v", err)
			}
			for _, b := range sched {
				if b.RequestID == requestID {
					out = append(out, b)
				}
			}
		}
	}
	return out
}
