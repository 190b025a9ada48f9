package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

type App struct {
	// Storage
	StoreDriver   string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"./clinic.db"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"clinic"`

	// Workers
	Categories         []string      `envconfig:"CATEGORIES" default:"cardiology,orthopedics,general"`
	WorkersPerCategory int           `envconfig:"WORKERS_PER_CATEGORY" default:"1"`
	SettleInterval     time.Duration `envconfig:"SETTLE_INTERVAL" default:"100ms"`
	CycleInterval      time.Duration `envconfig:"CYCLE_INTERVAL" default:"100ms"`
	QueueLimit         int           `envconfig:"QUEUE_LIMIT" default:"50"`
	MaxCommitAttempts  int           `envconfig:"MAX_COMMIT_ATTEMPTS" default:"20"`
	ClaimStaleAfter    time.Duration `envconfig:"CLAIM_STALE_AFTER" default:"30s"`
	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s"`

	// Generator
	GeneratorWorkers  int           `envconfig:"GENERATOR_WORKERS" default:"1"`
	GeneratorInterval time.Duration `envconfig:"GENERATOR_INTERVAL" default:"2500ms"`

	// Roster; empty means the built-in one
	RosterFile string `envconfig:"ROSTER_FILE"`

	// Network
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// Events are only published when RABBIT_URL is set
	RabbitURL      string `envconfig:"RABBIT_URL"`
	EventsExchange string `envconfig:"EVENTS_EXCHANGE" default:"clinic.appointments"`

	TraceStdout bool `envconfig:"TRACE_STDOUT" default:"false"`
}

// Load reads the optional env files (".env" when none are given) and then
// the environment. Variables already set in the environment win.
func Load(envFiles ...string) (App, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return App{}, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var c App
	if err := envconfig.Process("", &c); err != nil {
		return App{}, err
	}
	if err := c.Validate(); err != nil {
		return App{}, err
	}
	return c, nil
}

// MinClaimStaleAfter is the shortest stale-claim age that cannot expire a
// claim between two refreshes of a live worker.
func MinClaimStaleAfter(settle time.Duration) time.Duration {
	return 2 * (time.Second + 6*settle)
}

func (c App) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite, DriverRedis, DriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if len(c.Categories) == 0 {
		return errors.New("CATEGORIES must not be empty")
	}
	if c.WorkersPerCategory <= 0 {
		return errors.New("WORKERS_PER_CATEGORY must be > 0")
	}
	if c.GeneratorWorkers < 0 {
		return errors.New("GENERATOR_WORKERS must be >= 0")
	}
	if c.SettleInterval <= 0 || c.CycleInterval <= 0 {
		return errors.New("SETTLE_INTERVAL and CYCLE_INTERVAL must be > 0")
	}
	if c.QueueLimit <= 0 || c.MaxCommitAttempts <= 0 {
		return errors.New("QUEUE_LIMIT and MAX_COMMIT_ATTEMPTS must be > 0")
	}
	// workers refresh their claims once per commit attempt; one attempt
	// takes at most a backoff plus a handful of settle intervals
	if c.ClaimStaleAfter < MinClaimStaleAfter(c.SettleInterval) {
		return fmt.Errorf("CLAIM_STALE_AFTER must be at least %s", MinClaimStaleAfter(c.SettleInterval))
	}
	if c.GeneratorWorkers > 0 && c.GeneratorInterval <= 0 {
		return errors.New("GENERATOR_INTERVAL must be > 0")
	}
	return nil
}
