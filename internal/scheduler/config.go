package scheduler

import (
	"time"

	"github.com/janmaj/srds-przychodnia/internal/events"
	"github.com/janmaj/srds-przychodnia/internal/obs"
	"github.com/janmaj/srds-przychodnia/internal/storage"
)

// Config holds the tunables shared by every worker.
type Config struct {
	// Settle is the pause between a write and the read that verifies it.
	// It must exceed the backend's usual write propagation delay; larger
	// values make races rarer at the cost of throughput.
	Settle        time.Duration
	CycleInterval time.Duration
	QueueLimit    int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Settle <= 0 {
		c.Settle = 100 * time.Millisecond
	}
	if c.CycleInterval <= 0 {
		c.CycleInterval = 100 * time.Millisecond
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 50
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 500 * time.Millisecond
	}
	return c
}

// Deps are the shared handles injected into every worker. Logger, Metrics
// and Events may be nil.
type Deps struct {
	Store   storage.Store
	Logger  *obs.Logger
	Metrics *obs.Metrics
	Events  events.Publisher
	Now     func() time.Time
}

func (d Deps) withDefaults() Deps {
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
