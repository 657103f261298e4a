package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kjstillabower/weather-companion/internal/cache"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/observability"
)

var postgresMigrations = []migration{
	{1, "create_locations", []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			country     TEXT NOT NULL DEFAULT '',
			latitude    DOUBLE PRECISION NOT NULL,
			longitude   DOUBLE PRECISION NOT NULL,
			saved_at    TIMESTAMPTZ NOT NULL,
			is_favorite BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_locations_coords ON locations(latitude, longitude)`,
	}},
	{2, "create_settings", []string{
		`CREATE TABLE IF NOT EXISTS settings (
			id                 SMALLINT PRIMARY KEY CHECK (id = 1),
			use_celsius        BOOLEAN NOT NULL,
			is_dark_mode       BOOLEAN NOT NULL,
			show_notifications BOOLEAN NOT NULL,
			language_code      TEXT NOT NULL,
			theme              TEXT NOT NULL
		)`,
	}},
	{3, "create_weather_cache", []string{
		`CREATE TABLE IF NOT EXISTS weather_cache (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weather_cache_expires ON weather_cache(expires_at)`,
	}},
}

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to databaseURL, verifies the connection and applies migrations.
func OpenPostgres(ctx context.Context, databaseURL string, maxConns int32) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, errors.New("postgres: database url is required")
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}
	s := &PostgresStore{pool: pool, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}
	for _, m := range postgresMigrations {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}
			for _, stmt := range m.stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations(version, name) VALUES($1, $2)`, m.version, m.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// Driver implements Store.
func (s *PostgresStore) Driver() string { return DriverPostgres }

func (s *PostgresStore) ListLocations(ctx context.Context) ([]models.Location, error) {
	defer observability.ObserveStore(DriverPostgres, "list_locations", time.Now())
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, country, latitude, longitude, saved_at, is_favorite FROM locations ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query locations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Location, 0)
	for rows.Next() {
		var loc models.Location
		if err := rows.Scan(&loc.ID, &loc.Name, &loc.Country, &loc.Latitude, &loc.Longitude, &loc.Timestamp, &loc.IsFavorite); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan location row: %w", err)
		}
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to query locations: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetLocation(ctx context.Context, id string) (models.Location, error) {
	defer observability.ObserveStore(DriverPostgres, "get_location", time.Now())
	var loc models.Location
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, country, latitude, longitude, saved_at, is_favorite FROM locations WHERE id = $1`, id).
		Scan(&loc.ID, &loc.Name, &loc.Country, &loc.Latitude, &loc.Longitude, &loc.Timestamp, &loc.IsFavorite)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Location{}, fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Location{}, fmt.Errorf("postgres: failed to get location: %w", err)
	}
	return loc, nil
}

func (s *PostgresStore) SaveLocation(ctx context.Context, loc models.Location) error {
	defer observability.ObserveStore(DriverPostgres, "save_location", time.Now())
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM locations WHERE latitude = $1 AND longitude = $2 AND id <> $3`,
			loc.Latitude, loc.Longitude, loc.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO locations (id, name, country, latitude, longitude, saved_at, is_favorite)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				country = EXCLUDED.country,
				latitude = EXCLUDED.latitude,
				longitude = EXCLUDED.longitude,
				saved_at = EXCLUDED.saved_at,
				is_favorite = EXCLUDED.is_favorite`,
			loc.ID, loc.Name, loc.Country, loc.Latitude, loc.Longitude, loc.Timestamp, loc.IsFavorite)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: failed to save location %s: %w", loc.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteLocation(ctx context.Context, id string) error {
	defer observability.ObserveStore(DriverPostgres, "delete_location", time.Now())
	tag, err := s.pool.Exec(ctx, `DELETE FROM locations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete location %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("location %s: %w", id, ErrNotFound)
	}
	return nil
}

const postgresSelectSettings = `SELECT use_celsius, is_dark_mode, show_notifications, language_code, theme FROM settings WHERE id = $1`

func scanPostgresSettings(row pgx.Row) (models.Settings, error) {
	var (
		st    models.Settings
		theme string
	)
	if err := row.Scan(&st.UseCelsius, &st.IsDarkMode, &st.ShowNotifications, &st.LanguageCode, &theme); err != nil {
		return models.Settings{}, err
	}
	st.Theme = models.ParseTheme(theme)
	return st, nil
}

func (s *PostgresStore) GetSettings(ctx context.Context) (models.Settings, bool, error) {
	defer observability.ObserveStore(DriverPostgres, "get_settings", time.Now())
	st, err := scanPostgresSettings(s.pool.QueryRow(ctx, postgresSelectSettings, settingsRowID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Settings{}, false, nil
	}
	if err != nil {
		return models.Settings{}, false, fmt.Errorf("postgres: failed to get settings: %w", err)
	}
	return st, true, nil
}

func (s *PostgresStore) InsertSettings(ctx context.Context, st models.Settings) error {
	defer observability.ObserveStore(DriverPostgres, "insert_settings", time.Now())
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (id, use_celsius, is_dark_mode, show_notifications, language_code, theme)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			use_celsius = EXCLUDED.use_celsius,
			is_dark_mode = EXCLUDED.is_dark_mode,
			show_notifications = EXCLUDED.show_notifications,
			language_code = EXCLUDED.language_code,
			theme = EXCLUDED.theme`,
		settingsRowID, st.UseCelsius, st.IsDarkMode, st.ShowNotifications, st.LanguageCode, string(st.Theme))
	if err != nil {
		return fmt.Errorf("postgres: failed to insert settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSettings(ctx context.Context, fn func(models.Settings) models.Settings) (models.Settings, error) {
	defer observability.ObserveStore(DriverPostgres, "update_settings", time.Now())
	var next models.Settings
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanPostgresSettings(tx.QueryRow(ctx, postgresSelectSettings+` FOR UPDATE`, settingsRowID))
		if err != nil {
			return err
		}
		next = fn(current)
		_, err = tx.Exec(ctx, `
			UPDATE settings SET use_celsius = $1, is_dark_mode = $2, show_notifications = $3,
				language_code = $4, theme = $5
			WHERE id = $6`,
			next.UseCelsius, next.IsDarkMode, next.ShowNotifications, next.LanguageCode, string(next.Theme), settingsRowID)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Settings{}, fmt.Errorf("settings: %w", ErrNotFound)
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("postgres: failed to update settings: %w", err)
	}
	return next, nil
}

// Get implements cache.Cache.
func (s *PostgresStore) Get(ctx context.Context, key cache.Key) (cache.Entry, bool, error) {
	defer observability.ObserveStore(DriverPostgres, "cache_get", time.Now())
	return s.loadEntry(ctx,
		`SELECT data, created_at, expires_at FROM weather_cache WHERE id = $1 AND expires_at >= $2`,
		key.String(), s.now())
}

// GetStale implements cache.Cache.
func (s *PostgresStore) GetStale(ctx context.Context, key cache.Key, maxAge time.Duration) (cache.Entry, bool, error) {
	defer observability.ObserveStore(DriverPostgres, "cache_get_stale", time.Now())
	return s.loadEntry(ctx,
		`SELECT data, created_at, expires_at FROM weather_cache WHERE id = $1 AND created_at >= $2`,
		key.String(), s.now().Add(-maxAge))
}

func (s *PostgresStore) loadEntry(ctx context.Context, query, id string, bound time.Time) (cache.Entry, bool, error) {
	var e cache.Entry
	err := s.pool.QueryRow(ctx, query, id, bound).Scan(&e.Payload, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("postgres: failed to read cache %s: %w", id, err)
	}
	return e, true, nil
}

// Set implements cache.Cache.
func (s *PostgresStore) Set(ctx context.Context, key cache.Key, payload []byte, ttl time.Duration) error {
	defer observability.ObserveStore(DriverPostgres, "cache_set", time.Now())
	e := cache.NewEntry(payload, s.now(), ttl)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO weather_cache (id, type, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			data = EXCLUDED.data,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		key.String(), string(key.Type), e.Payload, e.CreatedAt, e.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to write cache %s: %w", key, err)
	}
	return nil
}

// DeleteExpired implements cache.Cache.
func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer observability.ObserveStore(DriverPostgres, "cache_delete_expired", time.Now())
	tag, err := s.pool.Exec(ctx, `DELETE FROM weather_cache WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to delete expired cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
