package integration

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/alarmsync/internal/api"
	"github.com/g960059/alarmsync/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.SocketPath = filepath.Join(dir, "alarmd.sock")
	cfg.LocalDBPath = filepath.Join(dir, "device.db")
	cfg.DocStoreDSN = filepath.Join(dir, "records.db")
	cfg.Timezone = "UTC"
	return cfg
}

func listen(t *testing.T, path string) {
	t.Helper()
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	require.NoError(t, os.Chmod(path, 0o600))
}

func checkByName(t *testing.T, res DoctorResult, name string) DoctorCheck {
	t.Helper()
	for _, c := range res.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", name, res.Checks)
	return DoctorCheck{}
}

func TestDoctorPassesWithRunningDaemon(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisAddr = "127.0.0.1:6379"
	listen(t, cfg.SocketPath)

	res := Doctor(context.Background(), DoctorOptions{
		Config: cfg,
		Health: func(context.Context) (api.HealthResponse, error) {
			return api.HealthResponse{Status: "ok", Platform: "ios", AuthStatus: "guest"}, nil
		},
	})
	assert.True(t, res.OK, "%+v", res.Checks)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, "ok on ios, auth guest", checkByName(t, res, "daemon").Message)
}

func TestDoctorFailsWithoutSocket(t *testing.T) {
	cfg := testConfig(t)
	called := false
	res := Doctor(context.Background(), DoctorOptions{
		Config: cfg,
		Health: func(context.Context) (api.HealthResponse, error) {
			called = true
			return api.HealthResponse{}, nil
		},
	})
	assert.False(t, res.OK)
	assert.False(t, called)
	assert.Equal(t, StatusFail, checkByName(t, res, "socket").Status)
	assert.Equal(t, StatusWarn, checkByName(t, res, "redis").Status)
}

func TestDoctorReportsUnreachableDaemon(t *testing.T) {
	cfg := testConfig(t)
	listen(t, cfg.SocketPath)
	res := Doctor(context.Background(), DoctorOptions{
		Config: cfg,
		Health: func(context.Context) (api.HealthResponse, error) {
			return api.HealthResponse{}, errors.New("connection refused")
		},
	})
	assert.False(t, res.OK)
	assert.Equal(t, "connection refused", checkByName(t, res, "daemon").Message)
}

func TestDoctorConfigAndStateChecks(t *testing.T) {
	cfg := testConfig(t)
	cfg.LocalDBPath = filepath.Join(t.TempDir(), "missing", "device.db")
	cfg.Platform = "symbian"
	res := Doctor(context.Background(), DoctorOptions{Config: cfg})
	assert.Equal(t, StatusFail, checkByName(t, res, "config").Status)
	assert.Equal(t, StatusWarn, checkByName(t, res, "device_db").Status)
	assert.Equal(t, StatusPass, checkByName(t, res, "record_store").Status)

	res = Doctor(context.Background(), DoctorOptions{Config: testConfig(t), ConfigErr: errors.New("parse config file: bad yaml")})
	assert.Equal(t, "parse config file: bad yaml", checkByName(t, res, "config").Message)
}

func TestDoctorRedactsPostgresDSN(t *testing.T) {
	cfg := testConfig(t)
	cfg.DocStoreDriver = "postgres"
	cfg.DocStoreDSN = "postgres://alarms:s3cret@db:5432/alarms"
	res := Doctor(context.Background(), DoctorOptions{Config: cfg})
	assert.Equal(t, "postgres postgres://[REDACTED]@db:5432/alarms", checkByName(t, res, "record_store").Message)
}
