package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/scheduler"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

var fastCfg = scheduler.Config{
	Settle:        5 * time.Millisecond,
	CycleInterval: 5 * time.Millisecond,
	MaxAttempts:   5,
	BackoffBase:   time.Millisecond,
	BackoffMax:    5 * time.Millisecond,
}

func newCommitter(store storage.Store, metrics *obs.Metrics) (*scheduler.Committer, *scheduler.Ownership) {
	deps := scheduler.Deps{Store: store, Metrics: metrics, Now: fixedNow}
	own := scheduler.NewOwnership(store, "w1", fastCfg.Settle, fixedNow)
	alloc := scheduler.NewAllocator(store, fixedNow)
	return scheduler.NewCommitter("general", deps, fastCfg, alloc, own), own
}

func TestBookDirectInsert(t *testing.T) {
	store := storage.NewMemoryStore()
	seedResources(t, store, smith())
	c, _ := newCommitter(store, nil)

	p, err := c.Book(context.Background(), newRequest("R1", model.UrgencyRoutine))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if p.Booking.ResourceID != "1" || !p.Booking.Date.Equal(day1) || p.Booking.Slot != clock(8, 0) {
		t.Fatalf("unexpected booking %s", p.Booking)
	}
	if got := slotHolder(t, store, "1", day1, clock(8, 0)); got != "R1" {
		t.Fatalf("slot holds %q", got)
	}
	if p.Previous != nil || p.Attempts != 1 {
		t.Fatalf("unexpected placement %+v", p)
	}
}

// D1 works 08:00-16:00 and has a routine booking at 15:45. A critical
// request takes that slot and the routine booking moves to the next
// computed slot.
func TestBookEvictsLessUrgentTail(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedResources(t, store, smith())
	seedBooking(t, store, "1", day1, clock(15, 45), "OLD", model.UrgencyRoutine)
	m := obs.NewMetrics(prometheus.NewRegistry())
	c, _ := newCommitter(store, m)

	p, err := c.Book(ctx, newRequest("NEW", model.UrgencyCritical))
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	if got := slotHolder(t, store, "1", day1, clock(15, 45)); got != "NEW" {
		t.Fatalf("15:45 should hold NEW, holds %q", got)
	}
	if got := slotHolder(t, store, "1", day2, clock(8, 0)); got != "OLD" {
		t.Fatalf("OLD should be relocated to the next opening, slot holds %q", got)
	}
	if p.Previous == nil || p.Previous.RequestID != "OLD" || p.Displaced == nil || p.Displaced.Slot != clock(8, 0) {
		t.Fatalf("unexpected placement %+v", p)
	}
	if claim, _ := store.SelectClaim(ctx, "OLD"); claim != nil {
		t.Fatalf("claim on the evicted request must be released, got %+v", claim)
	}
	if v := testutil.ToFloat64(m.EvictionsTotal.WithLabelValues("general", "swapped")); v != 1 {
		t.Fatalf("expected 1 swap, got %v", v)
	}
	if v := testutil.ToFloat64(m.EvictionsTotal.WithLabelValues("general", "relocated")); v != 1 {
		t.Fatalf("expected 1 relocation, got %v", v)
	}
}

func TestBookPicksFirstLessUrgentOfTheDay(t *testing.T) {
	store := storage.NewMemoryStore()
	seedResources(t, store, smith())
	seedBooking(t, store, "1", day1, clock(8, 0), "A", model.UrgencyCritical)
	seedBooking(t, store, "1", day1, clock(8, 30), "B", model.UrgencyUrgent)
	seedBooking(t, store, "1", day1, clock(9, 0), "C", model.UrgencyRoutine)
	c, _ := newCommitter(store, nil)

	p, err := c.Book(context.Background(), newRequest("NEW", model.UrgencyCritical))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if p.Booking.Slot != clock(8, 30) {
		t.Fatalf("expected NEW to take 08:30, got %s", p.Booking)
	}
	if got := slotHolder(t, store, "1", day1, clock(9, 30)); got != "B" {
		t.Fatalf("expected B to move to 09:30, slot holds %q", got)
	}
	if got := slotHolder(t, store, "1", day1, clock(8, 0)); got != "A" {
		t.Fatalf("a critical booking must never be evicted, 08:00 holds %q", got)
	}
}

func TestBookNeverEvictsEqualOrMoreUrgent(t *testing.T) {
	cases := []struct {
		name     string
		resident int
		incoming int
	}{
		{name: "equal", resident: model.UrgencyUrgent, incoming: model.UrgencyUrgent},
		{name: "more urgent resident", resident: model.UrgencyCritical, incoming: model.UrgencyUrgent},
		{name: "routine incoming", resident: model.UrgencyRoutine, incoming: model.UrgencyRoutine},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := storage.NewMemoryStore()
			seedResources(t, store, smith())
			seedBooking(t, store, "1", day1, clock(9, 0), "RES", tc.resident)
			c, _ := newCommitter(store, nil)

			p, err := c.Book(context.Background(), newRequest("NEW", tc.incoming))
			if err != nil {
				t.Fatalf("book: %v", err)
			}
			if p.Previous != nil {
				t.Fatalf("unexpected eviction of %s", p.Previous)
			}
			if p.Booking.Slot != clock(9, 30) {
				t.Fatalf("expected direct insert at 09:30, got %s", p.Booking)
			}
			if got := slotHolder(t, store, "1", day1, clock(9, 0)); got != "RES" {
				t.Fatalf("resident displaced, 09:00 holds %q", got)
			}
		})
	}
}

// Another worker computed the same slot and its write landed last. The
// verifying read shows a foreign id and the request moves on to a fresh slot.
func TestBookRetriesAfterCollision(t *testing.T) {
	inner := storage.NewMemoryStore()
	seedResources(t, inner, smith())
	store := &interferingStore{Store: inner, onInsert: 1, thief: "OTHER"}
	m := obs.NewMetrics(prometheus.NewRegistry())
	c, own := newCommitter(store, m)

	p, err := c.Book(context.Background(), newRequest("R1", model.UrgencyRoutine))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if p.Attempts != 2 || p.Booking.Slot != clock(8, 30) {
		t.Fatalf("expected second attempt at 08:30, got attempts=%d %s", p.Attempts, p.Booking)
	}
	if got := slotHolder(t, inner, "1", day1, clock(8, 0)); got != "OTHER" {
		t.Fatalf("08:00 should stay with the winner, holds %q", got)
	}
	if v := testutil.ToFloat64(m.CollisionsTotal.WithLabelValues("general")); v != 1 {
		t.Fatalf("expected 1 collision, got %v", v)
	}
	if len(own.Held()) != 0 {
		t.Fatalf("a direct insert must not claim anything, holds %v", own.Held())
	}
}

func TestBookFallsBackWhenSwapIsOverwritten(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryStore()
	seedResources(t, inner, smith())
	seedBooking(t, inner, "1", day1, clock(15, 30), "OLD", model.UrgencyRoutine)
	store := &interferingStore{Store: inner, onUpdate: 1, thief: "OTHER"}
	m := obs.NewMetrics(prometheus.NewRegistry())
	c, _ := newCommitter(store, m)

	p, err := c.Book(ctx, newRequest("NEW", model.UrgencyCritical))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if p.Previous != nil {
		t.Fatalf("eviction should have been abandoned, got %+v", p)
	}
	if !p.Booking.Date.Equal(day2) || p.Booking.Slot != clock(8, 0) {
		t.Fatalf("expected a direct insert on the next day, got %s", p.Booking)
	}
	if v := testutil.ToFloat64(m.EvictionsTotal.WithLabelValues("general", "abandoned")); v != 1 {
		t.Fatalf("expected 1 abandoned eviction, got %v", v)
	}
	if claim, _ := inner.SelectClaim(ctx, "OLD"); claim != nil {
		t.Fatalf("claim on the eviction candidate must be released, got %+v", claim)
	}
	// OLD lost its slot to the other writer, so it has to be scheduled again
	if req, _ := inner.SelectRequest(ctx, "OLD"); req == nil {
		t.Fatalf("OLD must stay queued once its slot is gone")
	}
}

func TestBookDropsEarlyRequeueWhenVictimKeepsItsSlot(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryStore()
	seedResources(t, inner, smith())
	seedBooking(t, inner, "1", day1, clock(15, 30), "OLD", model.UrgencyRoutine)
	// the other writer puts OLD right back, as a late write of the original
	// booking would
	store := &interferingStore{Store: inner, onUpdate: 1, thief: "OLD"}
	c, _ := newCommitter(store, nil)

	p, err := c.Book(ctx, newRequest("NEW", model.UrgencyCritical))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if p.Previous != nil {
		t.Fatalf("eviction should have been abandoned, got %+v", p)
	}
	if req, _ := inner.SelectRequest(ctx, "OLD"); req != nil {
		t.Fatalf("OLD still holds its slot and must not stay queued")
	}
}

func TestBookSkipsVictimOwnedElsewhere(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seedResources(t, store, smith())
	seedBooking(t, store, "1", day1, clock(9, 0), "OLD", model.UrgencyRoutine)
	if err := store.UpsertClaim(ctx, model.Claim{RequestID: "OLD", WorkerID: "other", ClaimedAt: today}); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	c, _ := newCommitter(store, nil)

	p, err := c.Book(ctx, newRequest("NEW", model.UrgencyCritical))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if p.Previous != nil || p.Booking.Slot != clock(9, 30) {
		t.Fatalf("expected a direct insert at 09:30, got %+v", p)
	}
	if got := slotHolder(t, store, "1", day1, clock(9, 0)); got != "OLD" {
		t.Fatalf("09:00 should still hold OLD, holds %q", got)
	}
}

func TestBookGivesUpAfterMaxAttempts(t *testing.T) {
	inner := storage.NewMemoryStore()
	seedResources(t, inner, smith())
	store := &interferingStore{Store: inner, onInsert: 1000, thief: "OTHER"}
	c, _ := newCommitter(store, nil)

	_, err := c.Book(context.Background(), newRequest("R1", model.UrgencyRoutine))
	if !errors.Is(err, scheduler.ErrCommitExhausted) {
		t.Fatalf("expected ErrCommitExhausted, got %v", err)
	}
}

func TestBookRequeuesVictimThatFindsNoSlot(t *testing.T) {
	ctx := context.Background()
	inner := storage.NewMemoryStore()
	seedResources(t, inner, smith())
	seedBooking(t, inner, "1", day1, clock(15, 30), "OLD", model.UrgencyRoutine)
	// every relocation write is overwritten; the swap itself goes through
	store := &interferingStore{Store: inner, onInsert: 1000, thief: "OTHER"}
	c, _ := newCommitter(store, nil)

	p, err := c.Book(ctx, newRequest("NEW", model.UrgencyCritical))
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if p.Booking.Slot != clock(15, 30) || p.Displaced != nil || p.Requeued == nil {
		t.Fatalf("expected a swap with the victim requeued, got %+v", p)
	}
	req, err := inner.SelectRequest(ctx, "OLD")
	if err != nil || req == nil {
		t.Fatalf("victim must be back in the queue, got %+v err=%v", req, err)
	}
	if req.Urgency != model.UrgencyRoutine || req.Category != "general" {
		t.Fatalf("requeued request lost its details: %+v", req)
	}
}
