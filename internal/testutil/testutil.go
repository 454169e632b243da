// Package testutil provides shared helpers for store-backed tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fetcharr/fetcharr/internal/database"
)

// TestDB wraps a migrated throwaway database.
type TestDB struct {
	DB   *database.DB
	Conn *sql.DB
}

// NewTestDB creates a migrated database in a temp directory. Cleanup is
// registered on the test.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.New(dbPath)
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &TestDB{DB: db, Conn: db.Conn()}
}

// NewTestLogger creates a logger that writes through t.Log.
func NewTestLogger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.DebugLevel)
}
