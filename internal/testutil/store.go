package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/g960059/alarmsync/internal/db"
	"github.com/g960059/alarmsync/internal/docstore"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "device-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// NewDocStore opens a migrated sqlite record store. A nil notifier gets an in-process broker.
func NewDocStore(t *testing.T, notifier docstore.Notifier) *docstore.Store {
	t.Helper()
	if notifier == nil {
		notifier = docstore.NewBroker()
	}
	store, err := docstore.Open(context.Background(), string(docstore.DialectSQLite), filepath.Join(t.TempDir(), "records-test.db"), notifier, zap.NewNop())
	if err != nil {
		t.Fatalf("open doc store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
