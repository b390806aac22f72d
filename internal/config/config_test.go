package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waymark-ai/waymark/internal/types"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Loop.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Session.HeartbeatInterval.Std())
	assert.Equal(t, 32, cfg.Session.QueueCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waymark.yaml")
	content := `
session:
  heartbeat_interval: 250ms
  queue_capacity: 8
loop:
  max_attempts: 5
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Session.HeartbeatInterval.Std())
	assert.Equal(t, 8, cfg.Session.QueueCapacity)
	assert.Equal(t, 5, cfg.Loop.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5, cfg.Session.MaxFlushRetries)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waymark.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644))

	t.Setenv("WAYMARK_LOG_LEVEL", "error")
	t.Setenv("WAYMARK_DB_PATH", "/tmp/override.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestLoad_ParseFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("session: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.CONFIG_PARSE_FAILED, "")))
}

func TestDuration_YAMLForms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waymark.yaml")
	content := `
session:
  conflict_backoff: 25ms
  outage_backoff_base: 2000000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Millisecond, cfg.Session.ConflictBackoff.Std())
	assert.Equal(t, 2*time.Second, cfg.Session.OutageBackoffBase.Std())

	require.NoError(t, os.WriteFile(path, []byte("session:\n  conflict_backoff: fast\n"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Loop.MaxAttempts = 0
	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.NewError(types.CONFIG_VALIDATION_FAILED, "")))

	cfg = Default()
	cfg.Session.OutageBackoffCap = cfg.Session.OutageBackoffBase / 2
	assert.Error(t, Validate(cfg))

	cfg = Default()
	cfg.Executor.BackoffCeiling = cfg.Executor.InitialDelay / 2
	assert.Error(t, Validate(cfg))
}
