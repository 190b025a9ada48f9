package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// ErrCommitExhausted means every verified write lost its slot. The request
// stays pending and is picked up again on a later cycle.
var ErrCommitExhausted = errors.New("commit attempts exhausted")

// Placement describes a successful commit.
type Placement struct {
	Booking  model.Booking
	Attempts int

	// Set when a less urgent booking had to make room. Displaced is its new
	// home and Previous the slot it was moved out of. If it could not be
	// placed again it is put back in the queue as Requeued.
	Displaced *model.Booking
	Previous  *model.Booking
	Requeued  *model.Request
}

type evictResult int

const (
	evictNoVictim evictResult = iota
	evictRefused              // the victim is being handled by someone else
	evictLost                 // our swap was overwritten
	evictDone
)

// Committer turns an allocator candidate into a verified booking, evicting
// a less urgent booking when that gets the request in earlier.
type Committer struct {
	category string
	store    storage.Store
	alloc    *Allocator
	own      *Ownership
	cfg      Config
	logger   *obs.Logger
	metrics  *obs.Metrics
	now      func() time.Time
	rnd      *rand.Rand
}

func NewCommitter(category string, deps Deps, cfg Config, alloc *Allocator, own *Ownership) *Committer {
	deps = deps.withDefaults()
	return &Committer{
		category: category,
		store:    deps.Store,
		alloc:    alloc,
		own:      own,
		cfg:      cfg.withDefaults(),
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      deps.Now,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Book places req, retrying with a fresh candidate after every lost slot.
// Eviction is tried at most until one swap has been overwritten; after
// that only direct inserts are attempted.
func (c *Committer) Book(ctx context.Context, req model.Request) (Placement, error) {
	start := time.Now()
	defer c.metrics.ObserveLatency("commit", start)

	evict := req.Urgency < model.LowestUrgency
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(c.backoff(attempt - 1))
			if err := c.own.Refresh(ctx); err != nil {
				return Placement{}, err
			}
		}

		cand, err := c.allocate(ctx)
		if err != nil {
			return Placement{}, err
		}

		if evict && cand.Evictable {
			p, res, err := c.tryEvict(ctx, req, cand)
			if err != nil {
				return Placement{}, err
			}
			switch res {
			case evictDone:
				p.Attempts = attempt
				return p, nil
			case evictLost:
				evict = false
				continue
			}
		}

		b := model.BookingFor(req, cand.Resource.ID, cand.Date, cand.Slot)
		ok, err := c.insertVerified(ctx, b)
		if err != nil {
			return Placement{}, err
		}
		if ok {
			return Placement{Booking: b, Attempts: attempt}, nil
		}
		c.metrics.Collision(c.category)
		c.logger.Warn(map[string]interface{}{
			"op":       "slot_collision",
			"category": c.category,
			"worker":   c.own.WorkerID(),
			"request":  req.ID,
			"slot":     b.String(),
			"attempt":  attempt,
		})
	}
	return Placement{}, fmt.Errorf("request %s: %w", req.ID, ErrCommitExhausted)
}

func (c *Committer) allocate(ctx context.Context) (Candidate, error) {
	start := time.Now()
	defer c.metrics.ObserveLatency("allocate", start)

	resources, err := c.store.SelectResourcesByCategory(ctx, c.category)
	if err != nil {
		return Candidate{}, err
	}
	return c.alloc.FindSlot(ctx, resources)
}

// insertVerified writes b and confirms by reading it back. A slot already
// holding another request is left alone.
func (c *Committer) insertVerified(ctx context.Context, b model.Booking) (bool, error) {
	existing, err := c.store.SelectSlot(ctx, b.ResourceID, b.Date, b.Slot)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.RequestID != b.RequestID {
		return false, nil
	}
	if err := c.store.InsertBooking(ctx, b); err != nil {
		return false, err
	}
	return c.verify(ctx, b)
}

// verify waits for the write to settle and checks the slot holds b. A slot
// that reads empty gets one more settle interval before it counts as lost.
func (c *Committer) verify(ctx context.Context, b model.Booking) (bool, error) {
	var got *model.Booking
	for i := 0; i < 2 && got == nil; i++ {
		time.Sleep(c.cfg.Settle)
		var err error
		got, err = c.store.SelectSlot(ctx, b.ResourceID, b.Date, b.Slot)
		if err != nil {
			return false, err
		}
	}
	return got != nil && got.RequestID == b.RequestID, nil
}

func (c *Committer) tryEvict(ctx context.Context, req model.Request, cand Candidate) (Placement, evictResult, error) {
	sched, err := c.store.SelectDaySchedule(ctx, cand.Resource.ID, cand.EvictionDate)
	if err != nil {
		return Placement{}, 0, err
	}
	var victim *model.Booking
	for i := range sched {
		if sched[i].Urgency > req.Urgency {
			victim = &sched[i]
			break
		}
	}
	if victim == nil {
		return Placement{}, evictNoVictim, nil
	}

	out, err := c.own.Acquire(ctx, victim.RequestID)
	if err != nil {
		return Placement{}, 0, err
	}
	c.metrics.Claim(out.String())
	if out != Held {
		if out.Anomaly() {
			c.metrics.Anomaly(c.category, out.String())
		}
		c.metrics.Eviction(c.category, "refused")
		return Placement{}, evictRefused, nil
	}
	defer func() {
		if err := c.own.Release(context.WithoutCancel(ctx), victim.RequestID); err != nil {
			c.logger.Error(map[string]interface{}{
				"op":      "release_claim",
				"worker":  c.own.WorkerID(),
				"request": victim.RequestID,
				"error":   err,
			})
		}
	}()

	// the schedule read may predate another eviction of the same slot
	still, err := c.store.SelectSlot(ctx, victim.ResourceID, victim.Date, victim.Slot)
	if err != nil {
		return Placement{}, 0, err
	}
	if still == nil || still.RequestID != victim.RequestID {
		c.metrics.Eviction(c.category, "refused")
		return Placement{}, evictRefused, nil
	}

	// the victim is back in the queue before its slot is touched, so no
	// failure past this point can lose it
	requeued := victim.AsRequest(c.category)
	if requeued.SubmittedAt.IsZero() {
		requeued.SubmittedAt = c.now().UTC()
	}
	if err := c.store.InsertRequest(ctx, requeued); err != nil {
		return Placement{}, 0, err
	}

	incoming := model.BookingFor(req, victim.ResourceID, victim.Date, victim.Slot)
	if err := c.store.UpdateBooking(ctx, incoming); err != nil {
		return Placement{}, 0, err
	}
	ok, err := c.verify(ctx, incoming)
	if err != nil {
		return Placement{}, 0, err
	}
	if !ok {
		c.metrics.Eviction(c.category, "abandoned")
		c.logger.Warn(map[string]interface{}{
			"op":       "eviction_abandoned",
			"category": c.category,
			"worker":   c.own.WorkerID(),
			"request":  req.ID,
			"slot":     incoming.String(),
		})
		if err := c.dropRequeued(ctx, requeued); err != nil {
			return Placement{}, 0, err
		}
		return Placement{}, evictLost, nil
	}
	c.metrics.Eviction(c.category, "swapped")

	// req holds the slot now; whatever happens next it must not be booked
	// again, so the rest runs to completion and never fails the commit
	ctx = context.WithoutCancel(ctx)
	p := Placement{Booking: incoming, Previous: victim}
	moved, ok, err := c.relocate(ctx, *victim, cand)
	switch {
	case err != nil:
		c.logger.Error(map[string]interface{}{
			"op":       "relocate",
			"category": c.category,
			"worker":   c.own.WorkerID(),
			"request":  victim.RequestID,
			"error":    err,
		})
		p.Requeued = &requeued
	case ok:
		p.Displaced = &moved
		if err := c.store.DeleteRequest(ctx, requeued); err != nil {
			// whoever picks it up next finds the new booking and drops it
			c.logger.Warn(map[string]interface{}{
				"op":      "delete_requeued",
				"worker":  c.own.WorkerID(),
				"request": requeued.ID,
				"error":   err,
			})
		}
	default:
		p.Requeued = &requeued
	}
	if p.Requeued != nil {
		c.metrics.Eviction(c.category, "requeued")
	}

	fields := map[string]interface{}{
		"op":       "evicted",
		"category": c.category,
		"worker":   c.own.WorkerID(),
		"request":  req.ID,
		"slot":     incoming.String(),
		"evicted":  victim.RequestID,
		"requeued": p.Requeued != nil,
	}
	if p.Displaced != nil {
		fields["moved_to"] = p.Displaced.String()
	}
	c.logger.Info(fields)
	return p, evictDone, nil
}

// dropRequeued undoes the early requeue of a victim whose slot was never
// ours. If the victim no longer holds a slot it stays queued.
func (c *Committer) dropRequeued(ctx context.Context, requeued model.Request) error {
	cur, err := c.store.SelectBookingByRequest(ctx, requeued.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	return c.store.DeleteRequest(ctx, requeued)
}

// relocate gives a displaced booking a new home, starting with the
// candidate the incoming request was originally offered.
func (c *Committer) relocate(ctx context.Context, victim model.Booking, cand Candidate) (model.Booking, bool, error) {
	moved := victim
	moved.ResourceID, moved.Date, moved.Slot = cand.Resource.ID, cand.Date, cand.Slot

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(c.backoff(attempt - 1))
			if err := c.own.Refresh(ctx); err != nil {
				return model.Booking{}, false, err
			}
			next, err := c.allocate(ctx)
			if err != nil {
				return model.Booking{}, false, err
			}
			moved.ResourceID, moved.Date, moved.Slot = next.Resource.ID, next.Date, next.Slot
		}
		ok, err := c.insertVerified(ctx, moved)
		if err != nil {
			return model.Booking{}, false, err
		}
		if ok {
			c.metrics.Eviction(c.category, "relocated")
			return moved, true, nil
		}
		c.metrics.Collision(c.category)
	}
	return model.Booking{}, false, nil
}

func (c *Committer) backoff(retry int) time.Duration {
	d := c.cfg.BackoffBase
	for i := 1; i < retry && d < c.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return addJitter(c.rnd, d, 0.2)
}

func addJitter(r *rand.Rand, d time.Duration, frac float64) time.Duration {
	// jitter range: [d*(1-frac), d*(1+frac)]
	j := (r.Float64()*2 - 1) * frac
	out := time.Duration(float64(d) * (1 + j))
	if out < 0 {
		return 0
	}
	return out
}
