package scheduler

import (
	"context"
	"time"

	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// ClaimSweeper removes claims left behind by workers that died without
// releasing them. A claim older than staleAfter is assumed abandoned; it
// must be well above the time a worker needs to book one request.
type ClaimSweeper struct {
	store      storage.Store
	logger     *obs.Logger
	metrics    *obs.Metrics
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewClaimSweeper creates a periodic sweeper that:
// 1) counts live claims -> sets gauge
// 2) deletes stale claims -> increments expired_total
func NewClaimSweeper(deps Deps, staleAfter, interval time.Duration) *ClaimSweeper {
	deps = deps.withDefaults()
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ClaimSweeper{
		store:      deps.Store,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		staleAfter: staleAfter,
		interval:   interval,
		now:        deps.Now,
	}
}

// Run sweeps once immediately, which clears claims of a previous crashed
// run, and then on every tick until ctx is done.
func (s *ClaimSweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce returns the number of live and cleared claims.
func (s *ClaimSweeper) SweepOnce(ctx context.Context) (held, cleared int) {
	start := time.Now()
	cutoff := s.now().Add(-s.staleAfter)

	claims, err := s.store.SelectClaims(ctx)
	var delErr error
	for _, c := range claims {
		if c.ClaimedAt.After(cutoff) {
			held++
			continue
		}
		if err := s.store.DeleteClaim(ctx, c.RequestID); err != nil {
			delErr = err
			held++
			continue
		}
		cleared++
	}

	if s.metrics != nil && err == nil {
		s.metrics.ClaimsHeld.Set(float64(held))
		if cleared > 0 {
			s.metrics.ClaimsExpired.Add(float64(cleared))
		}
	}

	fields := map[string]interface{}{
		"op":         "claim_sweep",
		"held":       held,
		"cleared":    cleared,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["list_err"] = err.Error()
	}
	if delErr != nil {
		fields["delete_err"] = delErr.Error()
	}
	// only log when something happened
	if cleared > 0 || err != nil || delErr != nil {
		s.logger.Info(fields)
	}
	return held, cleared
}
