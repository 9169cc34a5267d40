package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store is the on-device database: persisted flags, the restorable identity session and
// the simulated native trigger table.
type Store struct {
	db *sql.DB
}

// DeviceTrigger is one trigger held by a simulated OS primitive.
type DeviceTrigger struct {
	Key         string
	Mechanism   string
	FireAtMs    int64
	Title       string
	Body        string
	Sound       string
	Critical    bool
	Category    string
	InstalledAt time.Time
}

const (
	MechanismExactAlarm   = "exact_alarm"
	MechanismNotification = "notification"
)

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenSQLite opens a WAL-mode sqlite file with a single writer connection.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// GetFlag returns the stored boolean at key, ErrNotFound when it was never written.
func (s *Store) GetFlag(ctx context.Context, key string) (bool, error) {
	raw, err := s.GetValue(ctx, key)
	if err != nil {
		return false, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse flag %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) SetFlag(ctx context.Context, key string, value bool) error {
	return s.SetValue(ctx, key, strconv.FormatBool(value))
}

func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT flag_value FROM flags WHERE flag_key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get flag %s: %w", key, err)
	}
	return raw, nil
}

func (s *Store) SetValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flags(flag_key, flag_value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(flag_key) DO UPDATE SET
	flag_value = excluded.flag_value,
	updated_at = excluded.updated_at
`, key, value, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	return nil
}

func (s *Store) SessionToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM identity_session WHERE slot = 1`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get session token: %w", err)
	}
	return token, nil
}

func (s *Store) SetSessionToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO identity_session(slot, token, updated_at)
VALUES (1, ?, ?)
ON CONFLICT(slot) DO UPDATE SET
	token = excluded.token,
	updated_at = excluded.updated_at
`, token, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set session token: %w", err)
	}
	return nil
}

func (s *Store) ClearSessionToken(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM identity_session WHERE slot = 1`); err != nil {
		return fmt.Errorf("clear session token: %w", err)
	}
	return nil
}

// UpsertDeviceTrigger installs or replaces the trigger with the same key.
func (s *Store) UpsertDeviceTrigger(ctx context.Context, trig DeviceTrigger) error {
	if trig.InstalledAt.IsZero() {
		trig.InstalledAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_triggers(trigger_key, mechanism, fire_at_ms, title, body, sound, critical, category, installed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(trigger_key) DO UPDATE SET
	mechanism = excluded.mechanism,
	fire_at_ms = excluded.fire_at_ms,
	title = excluded.title,
	body = excluded.body,
	sound = excluded.sound,
	critical = excluded.critical,
	category = excluded.category,
	installed_at = excluded.installed_at
`, trig.Key, trig.Mechanism, trig.FireAtMs, trig.Title, trig.Body, trig.Sound, boolToInt(trig.Critical), trig.Category, ts(trig.InstalledAt))
	if err != nil {
		return fmt.Errorf("upsert device trigger: %w", err)
	}
	return nil
}

// DeleteDeviceTrigger reports whether a row was removed.
func (s *Store) DeleteDeviceTrigger(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_triggers WHERE trigger_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete device trigger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete device trigger rows: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListDeviceTriggers(ctx context.Context, mechanism string) ([]DeviceTrigger, error) {
	query := `
SELECT trigger_key, mechanism, fire_at_ms, title, body, sound, critical, category, installed_at
FROM device_triggers`
	args := make([]any, 0, 1)
	if mechanism != "" {
		query += ` WHERE mechanism = ?`
		args = append(args, mechanism)
	}
	query += ` ORDER BY fire_at_ms ASC, trigger_key ASC`
	return s.queryDeviceTriggers(ctx, query, args...)
}

// DueDeviceTriggers lists triggers whose fire instant is at or before nowMs.
func (s *Store) DueDeviceTriggers(ctx context.Context, nowMs int64) ([]DeviceTrigger, error) {
	return s.queryDeviceTriggers(ctx, `
SELECT trigger_key, mechanism, fire_at_ms, title, body, sound, critical, category, installed_at
FROM device_triggers
WHERE fire_at_ms <= ?
ORDER BY fire_at_ms ASC, trigger_key ASC`, nowMs)
}

func (s *Store) queryDeviceTriggers(ctx context.Context, query string, args ...any) ([]DeviceTrigger, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list device triggers: %w", err)
	}
	defer rows.Close()

	out := make([]DeviceTrigger, 0)
	for rows.Next() {
		var (
			trig        DeviceTrigger
			critical    int
			installedAt string
		)
		if err := rows.Scan(&trig.Key, &trig.Mechanism, &trig.FireAtMs, &trig.Title, &trig.Body, &trig.Sound, &critical, &trig.Category, &installedAt); err != nil {
			return nil, fmt.Errorf("scan device trigger: %w", err)
		}
		trig.Critical = critical == 1
		if trig.InstalledAt, err = parseTS(installedAt); err != nil {
			return nil, fmt.Errorf("parse installed_at: %w", err)
		}
		out = append(out, trig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter device triggers: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertNotificationCategory(ctx context.Context, categoryID, actionsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO notification_categories(category_id, actions_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(category_id) DO UPDATE SET
	actions_json = excluded.actions_json,
	updated_at = excluded.updated_at
`, categoryID, actionsJSON, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert notification category: %w", err)
	}
	return nil
}

func (s *Store) NotificationCategory(ctx context.Context, categoryID string) (string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT actions_json FROM notification_categories WHERE category_id = ?`, categoryID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get notification category: %w", err)
	}
	return raw, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
