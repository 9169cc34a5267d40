package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.DocStoreDriver)
	assert.Equal(t, "android", cfg.Platform)
	assert.Equal(t, 5*time.Minute, cfg.SnoozeDuration)
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alarmd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platform: ios
timezone: Europe/Istanbul
sweep_interval: 90s
reconcile_concurrency: 2
docstore_dsn: /tmp/records.db
`), 0o600))

	t.Setenv("ALARMSYNC_SWEEP_INTERVAL", "2m")
	t.Setenv("ALARMSYNC_SIM_CRITICAL_ALERTS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ios", cfg.Platform)
	assert.Equal(t, "Europe/Istanbul", cfg.Timezone)
	assert.Equal(t, 2*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 2, cfg.ReconcileConcurrency)
	assert.False(t, cfg.SimCriticalAlerts)
	assert.Equal(t, "/tmp/records.db", cfg.DocStoreDSN)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Istanbul", loc.String())
}

func TestApplyEnvReportsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{
		"ALARMSYNC_SWEEP_INTERVAL":        "soon",
		"ALARMSYNC_RECONCILE_CONCURRENCY": "many",
	}
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ALARMSYNC_SWEEP_INTERVAL")
	assert.Contains(t, err.Error(), "ALARMSYNC_RECONCILE_CONCURRENCY")
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Platform = "symbian"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DocStoreDriver = "mongo"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Timezone = "Mars/Olympus"
	require.Error(t, cfg.Validate())
}
