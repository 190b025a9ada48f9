package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janmaj/srds-przychodnia/internal/config"
	"github.com/janmaj/srds-przychodnia/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	c, err := config.Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, config.DriverSQLite, c.StoreDriver)
	assert.Equal(t, []string{"cardiology", "orthopedics", "general"}, c.Categories)
	assert.Equal(t, 1, c.WorkersPerCategory)
	assert.Equal(t, 100*time.Millisecond, c.SettleInterval)
	assert.Equal(t, 2500*time.Millisecond, c.GeneratorInterval)
	assert.Equal(t, 50, c.QueueLimit)
	assert.Empty(t, c.RabbitURL)
}

func TestLoadFromEnvAndDotenv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("STORE_DRIVER=redis\nREDIS_PREFIX=dev\n"), 0o600))
	// godotenv writes straight into the process environment; register the
	// keys with t.Setenv so they are restored afterwards
	for _, k := range []string{"STORE_DRIVER", "REDIS_PREFIX"} {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
	t.Setenv("WORKERS_PER_CATEGORY", "3")
	t.Setenv("CATEGORIES", "general")
	t.Setenv("SETTLE_INTERVAL", "250ms")

	c, err := config.Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, config.DriverRedis, c.StoreDriver)
	assert.Equal(t, "dev", c.RedisPrefix)
	assert.Equal(t, 3, c.WorkersPerCategory)
	assert.Equal(t, []string{"general"}, c.Categories)
	assert.Equal(t, 250*time.Millisecond, c.SettleInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := config.App{
		StoreDriver:        config.DriverMemory,
		Categories:         []string{"general"},
		WorkersPerCategory: 1,
		SettleInterval:     100 * time.Millisecond,
		CycleInterval:      100 * time.Millisecond,
		QueueLimit:         50,
		MaxCommitAttempts:  20,
		ClaimStaleAfter:    30 * time.Second,
		GeneratorWorkers:   1,
		GeneratorInterval:  time.Second,
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.StoreDriver = "cassandra"
	assert.Error(t, bad.Validate())

	bad = base
	bad.WorkersPerCategory = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.ClaimStaleAfter = 50 * time.Millisecond
	assert.Error(t, bad.Validate())

	// a claim must outlive two full commit attempts at this settle interval
	bad = base
	bad.ClaimStaleAfter = 3 * time.Second
	assert.Error(t, bad.Validate())

	ok := base
	ok.ClaimStaleAfter = config.MinClaimStaleAfter(base.SettleInterval)
	assert.NoError(t, ok.Validate())

	bad = base
	bad.Categories = nil
	assert.Error(t, bad.Validate())
}

func TestDefaultRoster(t *testing.T) {
	rs, err := config.LoadRoster("")
	require.NoError(t, err)
	require.Len(t, rs, 4)
	assert.Equal(t, "Dr. Johnson", rs[1].Name)
	assert.Equal(t, model.NewClock(10, 0), rs[1].WorkingStart)
	assert.Equal(t, model.NewClock(14, 0), rs[1].WorkingEnd)
	assert.Equal(t, "orthopedics", rs[3].Category)
}

func TestParseRosterErrors(t *testing.T) {
	_, err := config.ParseRoster([]byte("resources:\n  - id: \"1\"\n    category: general\n    start: \"08:00\"\n    end: \"08:30\"\n"))
	assert.Error(t, err, "hours shorter than the tail buffer")

	_, err = config.ParseRoster([]byte("resources:\n  - id: \"1\"\n    category: general\n    start: \"8am\"\n    end: \"16:00\"\n"))
	assert.Error(t, err, "malformed clock")

	dup := "resources:\n" +
		"  - {id: \"1\", category: general, start: \"08:00\", end: \"16:00\"}\n" +
		"  - {id: \"1\", category: general, start: \"08:00\", end: \"16:00\"}\n"
	_, err = config.ParseRoster([]byte(dup))
	assert.Error(t, err, "duplicate id")
}
