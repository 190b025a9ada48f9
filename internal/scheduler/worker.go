package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/janmaj/srds-przychodnia/internal/events"
	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// Cycle results, also used as the result label of sched_cycles_total.
const (
	ResultBooked    = "booked"
	ResultIdle      = "idle"      // nothing pending
	ResultSkipped   = "skipped"   // every pending request was owned by someone else
	ResultExhausted = "exhausted" // claimed a request but could not commit it
	ResultError     = "error"
)

// Worker schedules requests of one category. It books at most one request
// per cycle and shares nothing in memory with other workers.
type Worker struct {
	id       string
	category string
	cfg      Config

	store   storage.Store
	logger  *obs.Logger
	metrics *obs.Metrics
	events  events.Publisher
	now     func() time.Time

	queue     *Queue
	own       *Ownership
	committer *Committer
}

func NewWorker(category string, deps Deps, cfg Config) *Worker {
	deps = deps.withDefaults()
	cfg = cfg.withDefaults()
	id := uuid.NewString()

	own := NewOwnership(deps.Store, id, cfg.Settle, deps.Now)
	alloc := NewAllocator(deps.Store, deps.Now)
	return &Worker{
		id:        id,
		category:  category,
		cfg:       cfg,
		store:     deps.Store,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		events:    deps.Events,
		now:       deps.Now,
		queue:     NewQueue(deps.Store, cfg.QueueLimit),
		own:       own,
		committer: NewCommitter(category, deps, cfg, alloc, own),
	}
}

func (w *Worker) ID() string       { return w.id }
func (w *Worker) Category() string { return w.category }

// Run loops until ctx is cancelled. Cancellation is only observed between
// cycles: a cycle in progress always runs to completion. Every claim the
// worker still holds is released before Run returns.
func (w *Worker) Run(ctx context.Context) {
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := w.own.ReleaseAll(bg); err != nil {
			w.logger.Error(map[string]interface{}{
				"op":       "release_all",
				"category": w.category,
				"worker":   w.id,
				"error":    err,
			})
		}
	}()

	w.logger.Info(map[string]interface{}{
		"op":       "worker_start",
		"category": w.category,
		"worker":   w.id,
	})

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info(map[string]interface{}{
				"op":       "worker_stop",
				"category": w.category,
				"worker":   w.id,
			})
			return
		case <-t.C:
		}

		_, _ = w.RunCycle(bg)
		t.Reset(w.cfg.CycleInterval)
	}
}

// RunCycle walks the pending queue until it books one request or runs out
// of candidates.
func (w *Worker) RunCycle(ctx context.Context) (result string, err error) {
	start := time.Now()
	ctx, span := obs.StartSpan(ctx, "scheduler.cycle", map[string]string{
		"category": w.category,
		"worker":   w.id,
	})
	defer func() {
		span.SetAttr("result", result)
		span.End(err)
		w.metrics.Cycle(w.category, result)
		w.metrics.ObserveLatency("cycle", start)
		if err != nil {
			w.logger.Error(map[string]interface{}{
				"op":         "cycle",
				"category":   w.category,
				"worker":     w.id,
				"result":     result,
				"latency_ms": time.Since(start).Milliseconds(),
				"error":      err,
			})
		}
	}()

	pending, err := w.queue.FetchPending(ctx, w.category)
	if err != nil {
		return ResultError, err
	}
	if len(pending) == 0 {
		return ResultIdle, nil
	}

	for _, req := range pending {
		result, done, err := w.process(ctx, req)
		if err != nil {
			return ResultError, err
		}
		if done {
			return result, nil
		}
	}
	return ResultSkipped, nil
}

// process handles one pending request. done reports whether the cycle is
// over, either because the request was booked or because it was claimed
// and could not be placed.
func (w *Worker) process(ctx context.Context, req model.Request) (result string, done bool, err error) {
	claimStart := time.Now()
	out, err := w.own.Acquire(ctx, req.ID)
	w.metrics.ObserveLatency("claim", claimStart)
	if err != nil {
		return "", false, err
	}
	w.metrics.Claim(out.String())
	switch {
	case out.Anomaly():
		w.metrics.Anomaly(w.category, out.String())
		w.logger.Warn(map[string]interface{}{
			"op":       "claim",
			"category": w.category,
			"worker":   w.id,
			"request":  req.ID,
			"outcome":  out.String(),
		})
		return "", false, nil
	case out != Held:
		return "", false, nil
	}

	defer func() {
		if rerr := w.own.Release(ctx, req.ID); rerr != nil && err == nil {
			err = rerr
		}
	}()

	// a stale queue read can hand us a request another worker already booked
	cur, err := w.store.SelectRequest(ctx, req.ID)
	if err != nil {
		return "", false, err
	}
	if cur == nil {
		return "", false, nil
	}

	// an earlier cycle may have booked it and failed before the delete
	prior, err := w.store.SelectBookingByRequest(ctx, req.ID)
	if err != nil {
		return "", false, err
	}
	var p Placement
	if prior != nil {
		p = Placement{Booking: *prior}
	} else {
		p, err = w.committer.Book(ctx, req)
	}
	if errors.Is(err, ErrCommitExhausted) {
		w.logger.Warn(map[string]interface{}{
			"op":       "book",
			"category": w.category,
			"worker":   w.id,
			"request":  req.ID,
			"error":    err,
		})
		return ResultExhausted, true, nil
	}
	if err != nil {
		return "", false, err
	}

	// the booking is confirmed; only now may the request leave the queue
	if err := w.store.DeleteRequest(ctx, req); err != nil {
		return "", false, err
	}
	w.metrics.Booked(w.category)
	w.publish(ctx, p)

	w.logger.Info(map[string]interface{}{
		"op":         "book",
		"category":   w.category,
		"worker":     w.id,
		"request":    req.ID,
		"urgency":    req.Urgency,
		"slot":       p.Booking.String(),
		"attempts":   p.Attempts,
		"evicted":    p.Previous != nil,
		"recovered":  prior != nil,
		"latency_ms": time.Since(claimStart).Milliseconds(),
	})
	return ResultBooked, true, nil
}

func (w *Worker) publish(ctx context.Context, p Placement) {
	at := w.now().UTC()
	evs := []events.Event{{
		Type:     events.TypeBooked,
		Category: w.category,
		Booking:  p.Booking,
		WorkerID: w.id,
		At:       at,
	}}
	if p.Displaced != nil {
		evs = append(evs, events.Event{
			Type:     events.TypeRelocated,
			Category: w.category,
			Booking:  *p.Displaced,
			Previous: p.Previous,
			WorkerID: w.id,
			At:       at,
		})
	}
	for _, ev := range evs {
		if err := w.events.Publish(ctx, ev); err != nil {
			w.logger.Error(map[string]interface{}{
				"op":      "publish",
				"worker":  w.id,
				"event":   ev.Type,
				"request": ev.Booking.RequestID,
				"error":   err,
			})
		}
	}
}
