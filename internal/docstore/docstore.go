package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/db"
	"github.com/g960059/alarmsync/internal/logging"
)

// Dialect selects placeholder syntax for the SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrAlreadyExists = errors.New("document already exists")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS alarms (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	version BIGINT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS alarms_owner ON alarms(owner_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS profiles (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS accounts (
	uid TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at BIGINT NOT NULL
)`,
}

// Store is the remote document store: owner-scoped alarm documents, user profiles and
// credential accounts. Writes publish a change signal on the notifier.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func New(sqlDB *sql.DB, dialect Dialect, notifier Notifier, logger *zap.Logger) *Store {
	return &Store{
		db:       sqlDB,
		dialect:  dialect,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Open connects to driver ("sqlite" or "postgres") at dsn and applies the schema.
func Open(ctx context.Context, driver, dsn string, notifier Notifier, logger *zap.Logger) (*Store, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch Dialect(driver) {
	case DialectSQLite:
		sqlDB, err = db.OpenSQLite(ctx, dsn)
	case DialectPostgres:
		sqlDB, err = OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported docstore driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	s := New(sqlDB, Dialect(driver), notifier, logger)
	if err := s.Migrate(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return sqlDB, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply docstore schema %d: %w", i, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Changes subscribes to change signals for owner. Without a notifier the channel is nil
// and callers rely on their resync poll.
func (s *Store) Changes(ctx context.Context, ownerID string) (<-chan struct{}, func(), error) {
	if s.notifier == nil {
		return nil, func() {}, nil
	}
	return s.notifier.Subscribe(ctx, ownerID)
}

func (s *Store) publish(ctx context.Context, ownerID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, ownerID); err != nil {
		s.logger.Warn("publish change signal", zap.String("owner_id", ownerID), zap.Error(err))
	}
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixMicro()
}

func fromStamp(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
