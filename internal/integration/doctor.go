package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/g960059/alarmsync/internal/api"
	"github.com/g960059/alarmsync/internal/config"
	"github.com/g960059/alarmsync/internal/security"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// HealthFunc asks the running daemon for its health.
type HealthFunc func(ctx context.Context) (api.HealthResponse, error)

type DoctorOptions struct {
	Config    config.Config
	ConfigErr error
	Health    HealthFunc
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Doctor inspects the local install: configuration, state paths, the daemon socket and,
// when reachable, the daemon itself.
func Doctor(ctx context.Context, opts DoctorOptions) DoctorResult {
	cfg := opts.Config
	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == StatusWarn {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == StatusFail {
			out.OK = false
		}
	}

	add(checkConfig(cfg, opts.ConfigErr))
	add(checkStateDir("device_db", cfg.LocalDBPath))
	if cfg.DocStoreDriver == "sqlite" {
		add(checkStateDir("record_store", cfg.DocStoreDSN))
	} else {
		add(DoctorCheck{Name: "record_store", Status: StatusPass, Message: cfg.DocStoreDriver + " " + security.Redact(cfg.DocStoreDSN)})
	}
	if cfg.RedisAddr == "" {
		add(DoctorCheck{Name: "redis", Status: StatusWarn, Message: "not configured; other devices' edits arrive by polling and mail alarms fire only through the API"})
	} else {
		add(DoctorCheck{Name: "redis", Status: StatusPass, Message: "configured at " + cfg.RedisAddr})
	}

	socket := checkSocket(cfg.SocketPath)
	add(socket)
	if socket.Status == StatusPass && opts.Health != nil {
		add(checkDaemon(ctx, opts.Health))
	}
	return out
}

func checkConfig(cfg config.Config, loadErr error) DoctorCheck {
	if loadErr != nil {
		return DoctorCheck{Name: "config", Status: StatusFail, Message: loadErr.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return DoctorCheck{Name: "config", Status: StatusFail, Message: err.Error()}
	}
	return DoctorCheck{Name: "config", Status: StatusPass, Message: fmt.Sprintf("platform %s, timezone %s", cfg.Platform, cfg.Timezone)}
}

func checkStateDir(name, path string) DoctorCheck {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		return DoctorCheck{Name: name, Status: StatusWarn, Message: "directory missing; created on first daemon start", Path: dir}
	case err != nil:
		return DoctorCheck{Name: name, Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	case !info.IsDir():
		return DoctorCheck{Name: name, Status: StatusFail, Message: "not a directory", Path: dir}
	}
	scratch, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return DoctorCheck{Name: name, Status: StatusFail, Message: "directory not writable", Path: dir}
	}
	_ = scratch.Close()
	_ = os.Remove(scratch.Name())
	return DoctorCheck{Name: name, Status: StatusPass, Message: "writable", Path: path}
}

func checkSocket(path string) DoctorCheck {
	info, err := os.Lstat(path)
	switch {
	case os.IsNotExist(err):
		return DoctorCheck{Name: "socket", Status: StatusFail, Message: "socket not found; is alarmd running?", Path: path}
	case err != nil:
		return DoctorCheck{Name: "socket", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	case info.Mode()&os.ModeSocket == 0:
		return DoctorCheck{Name: "socket", Status: StatusFail, Message: "path exists and is not a unix socket", Path: path}
	case info.Mode().Perm()&0o077 != 0:
		return DoctorCheck{Name: "socket", Status: StatusWarn, Message: fmt.Sprintf("permissions %o are wider than 0600", info.Mode().Perm()), Path: path}
	}
	return DoctorCheck{Name: "socket", Status: StatusPass, Message: "listening", Path: path}
}

func checkDaemon(ctx context.Context, health HealthFunc) DoctorCheck {
	resp, err := health(ctx)
	if err != nil {
		return DoctorCheck{Name: "daemon", Status: StatusFail, Message: err.Error()}
	}
	msg := fmt.Sprintf("%s on %s, auth %s", resp.Status, resp.Platform, resp.AuthStatus)
	if resp.Status != "ok" {
		return DoctorCheck{Name: "daemon", Status: StatusWarn, Message: msg}
	}
	return DoctorCheck{Name: "daemon", Status: StatusPass, Message: msg}
}
