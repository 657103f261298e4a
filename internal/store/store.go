// Package store persists saved locations, the settings row and the weather
// response cache. SQLite is the default backend; Postgres is available for
// shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kjstillabower/weather-companion/internal/cache"
	"github.com/kjstillabower/weather-companion/internal/models"
)

// ErrNotFound is returned when a location or the settings row does not exist.
var ErrNotFound = errors.New("not found")

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is the local persistence layer. It also serves as the default cache backend.
type Store interface {
	cache.Cache

	// ListLocations returns saved locations, most recently saved first.
	ListLocations(ctx context.Context) ([]models.Location, error)
	GetLocation(ctx context.Context, id string) (models.Location, error)
	// SaveLocation inserts or replaces by ID. A different row with the same
	// coordinates is replaced as well.
	SaveLocation(ctx context.Context, loc models.Location) error
	DeleteLocation(ctx context.Context, id string) error

	// GetSettings returns ok=false when the settings row has never been written.
	GetSettings(ctx context.Context) (models.Settings, bool, error)
	InsertSettings(ctx context.Context, s models.Settings) error
	// UpdateSettings applies fn to the stored row in one transaction.
	UpdateSettings(ctx context.Context, fn func(models.Settings) models.Settings) (models.Settings, error)

	Driver() string
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
	MaxConns    int32
}

// Open connects to the configured backend and applies pending migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLitePath)
	case DriverPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// migration is one ordered schema step. Steps are applied once and recorded
// in schema_migrations.
type migration struct {
	version int
	name    string
	stmts   []string
}

const settingsRowID = 1
