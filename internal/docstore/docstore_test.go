package docstore

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/model"
)

func openSQLiteStore(t *testing.T, notifier Notifier) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "records.db"), notifier, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleRecord(id, owner string) model.AlarmRecord {
	return model.AlarmRecord{
		ID:       id,
		OwnerID:  owner,
		Kind:     model.KindNormal,
		Priority: model.PriorityMedium,
		Schedule: &model.Schedule{Time: "07:30", Days: []model.Weekday{model.Monday}},
		Enabled:  true,
		Title:    "Wake",
		Body:     model.DefaultNormalBody,
		Icon:     model.IconAlarm,
		Sound:    model.DefaultSound,
	}
}

func TestAlarmDocumentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t, nil)
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	created, err := store.InsertAlarm(ctx, sampleRecord("a1", "u1"))
	require.NoError(t, err)
	assert.Equal(t, base, created.CreatedAt)

	_, err = store.InsertAlarm(ctx, sampleRecord("a1", "u1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	store.now = func() time.Time { return base.Add(time.Minute) }
	edit := created
	edit.Title = "Wake up"
	edit.CreatedAt = time.Time{}
	replaced, err := store.ReplaceAlarm(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, base, replaced.CreatedAt)
	assert.Equal(t, base.Add(time.Minute), replaced.UpdatedAt)

	got, err := store.GetAlarm(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Wake up", got.Title)
	assert.Equal(t, []model.Weekday{model.Monday}, got.Schedule.Days)

	other := sampleRecord("a1", "u2")
	_, err = store.ReplaceAlarm(ctx, other)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.InsertAlarm(ctx, sampleRecord("a2", "u2"))
	require.NoError(t, err)
	list, err := store.ListAlarms(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].ID)

	require.NoError(t, store.DeleteAlarm(ctx, "u1", "a1"))
	assert.ErrorIs(t, store.DeleteAlarm(ctx, "u1", "a1"), ErrNotFound)
	_, err = store.GetAlarm(ctx, "a1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountsAndProfiles(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t, nil)

	acct, err := store.CreateAccount(ctx, Account{UID: "u1", Email: " Ada@Example.com ", PasswordHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", acct.Email)

	_, err = store.CreateAccount(ctx, Account{UID: "u2", Email: "ada@example.com", PasswordHash: "h"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	byEmail, err := store.AccountByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.UID)
	_, err = store.AccountByUID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := store.EnsureProfile(ctx, "u1", "ada@example.com")
	require.NoError(t, err)
	again, err := store.EnsureProfile(ctx, "u1", "changed@example.com")
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestWritesPublishChangeSignals(t *testing.T) {
	ctx := context.Background()
	broker := NewBroker()
	store := openSQLiteStore(t, broker)

	ch, cancel, err := store.Changes(ctx, "u1")
	require.NoError(t, err)
	defer cancel()

	_, err = store.InsertAlarm(ctx, sampleRecord("a1", "u1"))
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected change signal after insert")
	}
}

func TestChangesWithoutNotifierIsNil(t *testing.T) {
	store := openSQLiteStore(t, nil)
	ch, cancel, err := store.Changes(context.Background(), "u1")
	require.NoError(t, err)
	cancel()
	assert.Nil(t, ch)
}

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.dialect = DialectSQLite
	assert.Equal(t, "x = ?", s.rebind("x = ?"))
}

func TestPostgresDialectQueries(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	store := New(sqlDB, DialectPostgres, nil, zap.NewNop())
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO alarms (id, owner_id, doc, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`)).
		WithArgs("a1", "u1", sqlmock.AnyArg(), 1, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	_, err = store.InsertAlarm(ctx, sampleRecord("a1", "u1"))
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO accounts (uid, email, password_hash, created_at)`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	_, err = store.CreateAccount(ctx, Account{UID: "u1", Email: "a@b.c", PasswordHash: "h"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM alarms WHERE id = $1 AND owner_id = $2`)).
		WithArgs("a1", "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.DeleteAlarm(ctx, "u1", "a1"), ErrNotFound)

	rows := sqlmock.NewRows([]string{"doc", "created_at", "updated_at"}).
		AddRow(`{"id":"a1","owner_id":"u1","kind":"normal","priority":"high","enabled":true,"title":"T"}`, int64(1000), int64(2000))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE owner_id = $1`)).WithArgs("u1").WillReturnRows(rows)
	list, err := store.ListAlarms(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.PriorityHigh, list[0].Priority)
	assert.Equal(t, time.UnixMicro(2000).UTC(), list[0].UpdatedAt)

	require.NoError(t, mock.ExpectationsWereMet())
}
