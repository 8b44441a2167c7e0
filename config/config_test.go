package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewConfig_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("BASIC_AUTH_CREDS", "")

	cfg := NewConfig(zap.NewNop())

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 20, cfg.Poller.PageSize)
	assert.Equal(t, 2, cfg.Pools.Images)
	assert.Equal(t, 1, cfg.Pools.Videos)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.RecheckInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.TimeoutThreshold)
	assert.True(t, cfg.Sweeper.ArchiveEnabled)
	assert.False(t, cfg.Sweeper.ArchiveUndecided)
	assert.Equal(t, map[string]string{"admin": "password"}, cfg.GetCreds())
}

func TestNewConfig_Overrides(t *testing.T) {
	t.Setenv("BASIC_AUTH_CREDS", "alice:one, bob : two")
	t.Setenv("JOB_PROCESS_INTERVAL", "2h")
	t.Setenv("SWEEPER_ARCHIVE_UNDECIDED", "true")

	cfg := NewConfig(zap.NewNop())

	assert.Equal(t, 2*time.Hour, cfg.Scheduler.ProcessInterval)
	assert.True(t, cfg.Sweeper.ArchiveUndecided)
	assert.Equal(t, map[string]string{"alice": "one", "bob": "two"}, cfg.GetCreds())
}

func TestParseCreds_Malformed(t *testing.T) {
	cfg := &Config{BasicAuthCreds: "alice"}
	_, err := cfg.parseCreds()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delimited by a colon")
}
