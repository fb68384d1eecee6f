// Package testutil provides shared test helpers for setting up databases and
// draft stores.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/starford/guardian/internal/snapstore"
	"github.com/starford/guardian/internal/store"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "guardian-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(context.Background(), store.DriverSQLite, dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestDrafts creates a temporary draft directory with a snapstore.Store.
func TestDrafts(t *testing.T) (string, snapstore.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := snapstore.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	return dir, s
}
