package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kjstillabower/weather-companion/internal/cache"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/observability"
)

var sqliteMigrations = []migration{
	{1, "create_locations", []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			country     TEXT NOT NULL DEFAULT '',
			latitude    REAL NOT NULL,
			longitude   REAL NOT NULL,
			saved_at    INTEGER NOT NULL,
			is_favorite INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_locations_coords ON locations(latitude, longitude)`,
	}},
	{2, "create_settings", []string{
		`CREATE TABLE IF NOT EXISTS settings (
			id                 INTEGER PRIMARY KEY CHECK (id = 1),
			use_celsius        INTEGER NOT NULL,
			is_dark_mode       INTEGER NOT NULL,
			show_notifications INTEGER NOT NULL,
			language_code      TEXT NOT NULL,
			theme              TEXT NOT NULL
		)`,
	}},
	{3, "create_weather_cache", []string{
		`CREATE TABLE IF NOT EXISTS weather_cache (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			data       BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weather_cache_expires ON weather_cache(expires_at)`,
	}},
}

// SQLiteStore implements Store on the pure Go modernc.org/sqlite driver.
// Times are stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		path = "weather.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection: pragmas are per connection and :memory: databases are per connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlite: create schema_migrations: %w", err)
	}
	for _, m := range sqliteMigrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("sqlite: check migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("sqlite: migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, name, applied_at) VALUES(?,?,?)`,
			m.version, m.name, s.now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Driver implements Store.
func (s *SQLiteStore) Driver() string { return DriverSQLite }

func (s *SQLiteStore) ListLocations(ctx context.Context) ([]models.Location, error) {
	defer observability.ObserveStore(DriverSQLite, "list_locations", time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, country, latitude, longitude, saved_at, is_favorite FROM locations ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list locations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Location, 0)
	for rows.Next() {
		loc, err := scanSQLiteLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list locations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteLocation(r rowScanner) (models.Location, error) {
	var (
		loc     models.Location
		savedAt int64
		fav     int
	)
	if err := r.Scan(&loc.ID, &loc.Name, &loc.Country, &loc.Latitude, &loc.Longitude, &savedAt, &fav); err != nil {
		return models.Location{}, fmt.Errorf("sqlite: scan location: %w", err)
	}
	loc.Timestamp = time.UnixMilli(savedAt)
	loc.IsFavorite = fav != 0
	return loc, nil
}

func (s *SQLiteStore) GetLocation(ctx context.Context, id string) (models.Location, error) {
	defer observability.ObserveStore(DriverSQLite, "get_location", time.Now())
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, country, latitude, longitude, saved_at, is_favorite FROM locations WHERE id = ?`, id)
	loc, err := scanSQLiteLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Location{}, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	return loc, err
}

func (s *SQLiteStore) SaveLocation(ctx context.Context, loc models.Location) error {
	defer observability.ObserveStore(DriverSQLite, "save_location", time.Now())
	// REPLACE removes rows conflicting on the id or on the coordinate index.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO locations(id, name, country, latitude, longitude, saved_at, is_favorite) VALUES(?,?,?,?,?,?,?)`,
		loc.ID, loc.Name, loc.Country, loc.Latitude, loc.Longitude, loc.Timestamp.UnixMilli(), boolToInt(loc.IsFavorite))
	if err != nil {
		return fmt.Errorf("sqlite: save location %s: %w", loc.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteLocation(ctx context.Context, id string) error {
	defer observability.ObserveStore(DriverSQLite, "delete_location", time.Now())
	res, err := s.db.ExecContext(ctx, `DELETE FROM locations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete location %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (models.Settings, bool, error) {
	defer observability.ObserveStore(DriverSQLite, "get_settings", time.Now())
	st, err := scanSQLiteSettings(s.db.QueryRowContext(ctx, sqliteSelectSettings, settingsRowID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settings{}, false, nil
	}
	if err != nil {
		return models.Settings{}, false, fmt.Errorf("sqlite: get settings: %w", err)
	}
	return st, true, nil
}

const sqliteSelectSettings = `SELECT use_celsius, is_dark_mode, show_notifications, language_code, theme FROM settings WHERE id = ?`

func scanSQLiteSettings(r rowScanner) (models.Settings, error) {
	var (
		st                  models.Settings
		celsius, dark, note int
		theme               string
	)
	if err := r.Scan(&celsius, &dark, &note, &st.LanguageCode, &theme); err != nil {
		return models.Settings{}, err
	}
	st.UseCelsius = celsius != 0
	st.IsDarkMode = dark != 0
	st.ShowNotifications = note != 0
	st.Theme = models.ParseTheme(theme)
	return st, nil
}

func (s *SQLiteStore) InsertSettings(ctx context.Context, st models.Settings) error {
	defer observability.ObserveStore(DriverSQLite, "insert_settings", time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO settings(id, use_celsius, is_dark_mode, show_notifications, language_code, theme) VALUES(?,?,?,?,?,?)`,
		settingsRowID, boolToInt(st.UseCelsius), boolToInt(st.IsDarkMode), boolToInt(st.ShowNotifications), st.LanguageCode, string(st.Theme))
	if err != nil {
		return fmt.Errorf("sqlite: insert settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, fn func(models.Settings) models.Settings) (models.Settings, error) {
	defer observability.ObserveStore(DriverSQLite, "update_settings", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Settings{}, fmt.Errorf("sqlite: begin settings update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanSQLiteSettings(tx.QueryRowContext(ctx, sqliteSelectSettings, settingsRowID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settings{}, fmt.Errorf("settings: %w", ErrNotFound)
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("sqlite: read settings: %w", err)
	}
	next := fn(current)
	if _, err := tx.ExecContext(ctx,
		`UPDATE settings SET use_celsius = ?, is_dark_mode = ?, show_notifications = ?, language_code = ?, theme = ? WHERE id = ?`,
		boolToInt(next.UseCelsius), boolToInt(next.IsDarkMode), boolToInt(next.ShowNotifications), next.LanguageCode, string(next.Theme), settingsRowID); err != nil {
		return models.Settings{}, fmt.Errorf("sqlite: update settings: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Settings{}, fmt.Errorf("sqlite: commit settings: %w", err)
	}
	return next, nil
}

// Get implements cache.Cache.
func (s *SQLiteStore) Get(ctx context.Context, key cache.Key) (cache.Entry, bool, error) {
	defer observability.ObserveStore(DriverSQLite, "cache_get", time.Now())
	return s.loadEntry(ctx,
		`SELECT data, created_at, expires_at FROM weather_cache WHERE id = ? AND expires_at >= ?`,
		key.String(), s.now().UnixMilli())
}

// GetStale implements cache.Cache.
func (s *SQLiteStore) GetStale(ctx context.Context, key cache.Key, maxAge time.Duration) (cache.Entry, bool, error) {
	defer observability.ObserveStore(DriverSQLite, "cache_get_stale", time.Now())
	return s.loadEntry(ctx,
		`SELECT data, created_at, expires_at FROM weather_cache WHERE id = ? AND created_at >= ?`,
		key.String(), s.now().Add(-maxAge).UnixMilli())
}

func (s *SQLiteStore) loadEntry(ctx context.Context, query, id string, bound int64) (cache.Entry, bool, error) {
	var (
		e                  cache.Entry
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, query, id, bound).Scan(&e.Payload, &created, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("sqlite: read cache %s: %w", id, err)
	}
	e.CreatedAt = time.UnixMilli(created)
	e.ExpiresAt = time.UnixMilli(expiresAt)
	return e, true, nil
}

// Set implements cache.Cache.
func (s *SQLiteStore) Set(ctx context.Context, key cache.Key, payload []byte, ttl time.Duration) error {
	defer observability.ObserveStore(DriverSQLite, "cache_set", time.Now())
	e := cache.NewEntry(payload, s.now(), ttl)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO weather_cache(id, type, data, created_at, expires_at) VALUES(?,?,?,?,?)`,
		key.String(), string(key.Type), e.Payload, e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: write cache %s: %w", key, err)
	}
	return nil
}

// DeleteExpired implements cache.Cache.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer observability.ObserveStore(DriverSQLite, "cache_delete_expired", time.Now())
	res, err := s.db.ExecContext(ctx, `DELETE FROM weather_cache WHERE expires_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired cache: %w", err)
	}
	return n, nil
}

// Ping implements Store.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
