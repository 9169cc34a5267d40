package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ALARMSYNC_"

type Config struct {
	SocketPath  string `yaml:"socket_path"`
	LocalDBPath string `yaml:"local_db_path"`

	// DocStoreDriver is "sqlite" or "postgres".
	DocStoreDriver string `yaml:"docstore_driver"`
	DocStoreDSN    string `yaml:"docstore_dsn"`

	// RedisAddr enables cross-device change fan-out and the mail-match consumer.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Platform string `yaml:"platform"`
	Timezone string `yaml:"timezone"`

	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`

	ReconcileConcurrency int           `yaml:"reconcile_concurrency"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	WatchResyncInterval  time.Duration `yaml:"watch_resync_interval"`
	FireLoopInterval     time.Duration `yaml:"fire_loop_interval"`
	SnoozeDuration       time.Duration `yaml:"snooze_duration"`
	AdapterCallTimeout   time.Duration `yaml:"adapter_call_timeout"`
	CommandTimeout       time.Duration `yaml:"command_timeout"`

	MailStream   string `yaml:"mail_stream"`
	MailGroup    string `yaml:"mail_group"`
	MailConsumer string `yaml:"mail_consumer"`

	// Device simulator capabilities.
	SimExactAlarms    bool `yaml:"sim_exact_alarms"`
	SimCriticalAlerts bool `yaml:"sim_critical_alerts"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		LocalDBPath:          defaultStatePath("device.db"),
		DocStoreDriver:       "sqlite",
		DocStoreDSN:          defaultStatePath("records.db"),
		Platform:             "android",
		Timezone:             "Local",
		SessionSecret:        "",
		SessionTTL:           30 * 24 * time.Hour,
		ReconcileConcurrency: 4,
		SweepInterval:        5 * time.Minute,
		WatchResyncInterval:  15 * time.Second,
		FireLoopInterval:     time.Second,
		SnoozeDuration:       5 * time.Minute,
		AdapterCallTimeout:   5 * time.Second,
		CommandTimeout:       10 * time.Second,
		MailStream:           "alarmsync:mail-matches",
		MailGroup:            "alarmsync",
		MailConsumer:         hostnameOr("alarmd"),
		SimExactAlarms:       true,
		SimCriticalAlerts:    true,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// Load layers an optional YAML file, an optional .env file and ALARMSYNC_* environment
// variables over DefaultConfig, in that order.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DocStoreDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("docstore_driver must be sqlite or postgres, got %q", c.DocStoreDriver)
	}
	if strings.TrimSpace(c.DocStoreDSN) == "" {
		return fmt.Errorf("docstore_dsn is required")
	}
	switch strings.ToLower(c.Platform) {
	case "android", "ios":
	default:
		return fmt.Errorf("platform must be android or ios, got %q", c.Platform)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ReconcileConcurrency < 1 {
		return fmt.Errorf("reconcile_concurrency must be >= 1")
	}
	return nil
}

// Location resolves Timezone; "Local" and "" mean the process zone.
func (c Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.Timezone) {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("SOCKET_PATH", &c.SocketPath)
	str("LOCAL_DB_PATH", &c.LocalDBPath)
	str("DOCSTORE_DRIVER", &c.DocStoreDriver)
	str("DOCSTORE_DSN", &c.DocStoreDSN)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_PASSWORD", &c.RedisPassword)
	num("REDIS_DB", &c.RedisDB)
	str("PLATFORM", &c.Platform)
	str("TIMEZONE", &c.Timezone)
	str("SESSION_SECRET", &c.SessionSecret)
	dur("SESSION_TTL", &c.SessionTTL)
	num("RECONCILE_CONCURRENCY", &c.ReconcileConcurrency)
	dur("SWEEP_INTERVAL", &c.SweepInterval)
	dur("WATCH_RESYNC_INTERVAL", &c.WatchResyncInterval)
	dur("FIRE_LOOP_INTERVAL", &c.FireLoopInterval)
	dur("SNOOZE_DURATION", &c.SnoozeDuration)
	dur("ADAPTER_CALL_TIMEOUT", &c.AdapterCallTimeout)
	dur("COMMAND_TIMEOUT", &c.CommandTimeout)
	str("MAIL_STREAM", &c.MailStream)
	str("MAIL_GROUP", &c.MailGroup)
	str("MAIL_CONSUMER", &c.MailConsumer)
	flag("SIM_EXACT_ALARMS", &c.SimExactAlarms)
	flag("SIM_CRITICAL_ALERTS", &c.SimCriticalAlerts)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	return errors.Join(errs...)
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "alarmsync", "alarmd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".alarmd.sock"
	}
	return filepath.Join(home, ".local", "state", "alarmsync", "alarmd.sock")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "alarmsync", name)
}

func hostnameOr(fallback string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return fallback
	}
	return fallback + "-" + host
}
