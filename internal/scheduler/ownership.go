package scheduler

import (
	"context"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// Outcome is the result of one run of the claim protocol.
type Outcome int

const (
	Held           Outcome = iota
	OwnedElsewhere         // another worker's claim was already present
	LostRace               // our claim was overwritten while settling
	ClaimVanished          // our claim was gone when re-read
)

func (o Outcome) String() string {
	switch o {
	case Held:
		return "held"
	case OwnedElsewhere:
		return "owned_elsewhere"
	case LostRace:
		return "lost_race"
	case ClaimVanished:
		return "claim_vanished"
	default:
		return "unknown"
	}
}

// Anomaly reports whether the outcome means two workers raced for the same
// request after both had claimed it.
func (o Outcome) Anomaly() bool {
	return o == LostRace || o == ClaimVanished
}

// Ownership runs the optimistic claim protocol for one worker and remembers
// which claims it still holds. It is not safe for concurrent use; every
// worker owns its own instance.
type Ownership struct {
	store    storage.Store
	workerID string
	settle   time.Duration
	now      func() time.Time

	held map[string]struct{}
}

func NewOwnership(store storage.Store, workerID string, settle time.Duration, now func() time.Time) *Ownership {
	if now == nil {
		now = time.Now
	}
	return &Ownership{
		store:    store,
		workerID: workerID,
		settle:   settle,
		now:      now,
		held:     make(map[string]struct{}),
	}
}

func (o *Ownership) WorkerID() string { return o.workerID }

// Claim writes our claim unconditionally. The last writer wins.
func (o *Ownership) Claim(ctx context.Context, requestID string) error {
	o.held[requestID] = struct{}{}
	return o.store.UpsertClaim(ctx, model.Claim{
		RequestID: requestID,
		WorkerID:  o.workerID,
		ClaimedAt: o.now().UTC(),
	})
}

// ReadOwner returns the current claimant, if any.
func (o *Ownership) ReadOwner(ctx context.Context, requestID string) (string, bool, error) {
	c, err := o.store.SelectClaim(ctx, requestID)
	if err != nil {
		return "", false, err
	}
	if c == nil {
		return "", false, nil
	}
	return c.WorkerID, true, nil
}

// Acquire claims requestID: read, claim, settle, re-read. Only Held means
// the caller may act on the request, and even then downstream writes must
// verify their own effects.
func (o *Ownership) Acquire(ctx context.Context, requestID string) (Outcome, error) {
	owner, ok, err := o.ReadOwner(ctx, requestID)
	if err != nil {
		return 0, err
	}
	if ok && owner != o.workerID {
		return OwnedElsewhere, nil
	}

	if err := o.Claim(ctx, requestID); err != nil {
		return 0, err
	}

	time.Sleep(o.settle)

	owner, ok, err = o.ReadOwner(ctx, requestID)
	if err != nil {
		return 0, err
	}
	switch {
	case !ok:
		delete(o.held, requestID)
		return ClaimVanished, nil
	case owner != o.workerID:
		// the row is someone else's now; never delete it on release
		delete(o.held, requestID)
		return LostRace, nil
	}
	return Held, nil
}

// Release deletes our claim unless a read shows someone else has taken it.
func (o *Ownership) Release(ctx context.Context, requestID string) error {
	if _, ok := o.held[requestID]; !ok {
		return nil
	}

	owner, ok, err := o.ReadOwner(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok || owner == o.workerID {
		if err := o.store.DeleteClaim(ctx, requestID); err != nil {
			return err
		}
	}
	delete(o.held, requestID)
	return nil
}

// Refresh rewrites the timestamp of every claim that still reads as ours so
// the sweeper does not take a long commit for an abandoned one. Claims that
// read as someone else's or as missing are left alone.
func (o *Ownership) Refresh(ctx context.Context) error {
	for id := range o.held {
		owner, ok, err := o.ReadOwner(ctx, id)
		if err != nil {
			return err
		}
		if !ok || owner != o.workerID {
			continue
		}
		if err := o.Claim(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll releases every claim still held. It returns the first error
// but keeps going.
func (o *Ownership) ReleaseAll(ctx context.Context) error {
	var first error
	for id := range o.held {
		if err := o.Release(ctx, id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Held returns the ids of claims this worker still holds.
func (o *Ownership) Held() []string {
	out := make([]string, 0, len(o.held))
	for id := range o.held {
		out = append(out, id)
	}
	return out
}
