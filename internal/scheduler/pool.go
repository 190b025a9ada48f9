package scheduler

import (
	"context"
	"sync"
)

// Pool runs a fixed number of independent workers per category.
type Pool struct {
	workers []*Worker
}

func NewPool(categories []string, perCategory int, deps Deps, cfg Config) *Pool {
	if perCategory <= 0 {
		perCategory = 1
	}
	p := &Pool{}
	for _, cat := range categories {
		for i := 0; i < perCategory; i++ {
			p.workers = append(p.workers, NewWorker(cat, deps, cfg))
		}
	}
	return p
}

func (p *Pool) Workers() []*Worker { return p.workers }

// Run starts every worker and blocks until all of them have stopped, which
// happens once ctx is cancelled and each has finished its current cycle.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}
