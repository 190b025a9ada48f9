// Package generator feeds the pending queue with random requests, standing
// in for the front desk.
package generator

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/janmaj/srds-przychodnia/internal/model"
	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

var (
	firstNames = []string{"Anna", "Piotr", "Katarzyna", "Tomasz", "Magdalena", "Jan", "Agnieszka", "Marek"}
	lastNames  = []string{"Nowak", "Kowalski", "Wiśniewska", "Wójcik", "Kamińska", "Lewandowski", "Zielińska", "Szymański"}
)

type Generator struct {
	store      storage.Store
	categories []string
	limiter    *rate.Limiter
	logger     *obs.Logger
	metrics    *obs.Metrics
	rnd        *rand.Rand
	now        func() time.Time
}

type Option func(*Generator)

func WithRand(r *rand.Rand) Option {
	return func(g *Generator) { g.rnd = r }
}

func WithNow(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func WithObservability(logger *obs.Logger, metrics *obs.Metrics) Option {
	return func(g *Generator) {
		g.logger = logger
		g.metrics = metrics
	}
}

// New returns a generator that inserts one request per interval.
func New(store storage.Store, categories []string, interval time.Duration, opts ...Option) *Generator {
	if interval <= 0 {
		interval = 2500 * time.Millisecond
	}
	g := &Generator{
		store:      store,
		categories: categories,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Urgency draws an urgency class: 10% critical, 60% urgent, 30% routine.
func Urgency(r *rand.Rand) int {
	switch n := r.Intn(10); {
	case n == 9:
		return model.UrgencyCritical
	case n > 5:
		return model.UrgencyRoutine
	default:
		return model.UrgencyUrgent
	}
}

// Next builds a random request without storing it.
func (g *Generator) Next() model.Request {
	return model.Request{
		ID:       uuid.NewString(),
		Category: g.categories[g.rnd.Intn(len(g.categories))],
		Urgency:  Urgency(g.rnd),
		Requester: model.Requester{
			FirstName: firstNames[g.rnd.Intn(len(firstNames))],
			LastName:  lastNames[g.rnd.Intn(len(lastNames))],
		},
		SubmittedAt: g.now().UTC(),
	}
}

// Emit stores one random request.
func (g *Generator) Emit(ctx context.Context) (model.Request, error) {
	req := g.Next()
	if err := g.store.InsertRequest(ctx, req); err != nil {
		return model.Request{}, err
	}
	g.metrics.Generated(req.Category)
	return req, nil
}

// Run emits requests at the configured pace until ctx is cancelled.
// Storage errors are logged and do not stop the generator.
func (g *Generator) Run(ctx context.Context) {
	if len(g.categories) == 0 {
		return
	}
	for {
		if err := g.limiter.Wait(ctx); err != nil {
			return
		}
		req, err := g.Emit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Error(map[string]interface{}{
				"op":    "generate",
				"error": err,
			})
			continue
		}
		g.logger.Info(map[string]interface{}{
			"op":       "generate",
			"request":  req.ID,
			"category": req.Category,
			"urgency":  req.Urgency,
		})
	}
}
