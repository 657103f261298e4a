package testhelpers

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kjstillabower/weather-companion/internal/store"
)

// NewSQLiteStore opens a migrated SQLite store in the test's temp dir.
func NewSQLiteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{
		Driver:     store.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "weather.db"),
	})
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
