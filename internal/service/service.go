// Package service holds the repositories: saved locations, the settings row and
// cache-aside weather reads.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-companion/internal/cache"
	"github.com/kjstillabower/weather-companion/internal/client"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/observability"
)

// Result carries a weather read and where it came from.
type Result[T any] struct {
	Data T `json:"data"`
	// Cached is true when Data was decoded from the cache rather than fetched.
	Cached bool `json:"cached"`
	// Stale is true when Data is an expired entry served because upstream failed.
	Stale     bool      `json:"stale"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// WeatherOptions tunes a WeatherService. Zero TTL means cache.DefaultTTL;
// zero StaleTTL disables the stale fallback; zero CoalesceTimeout disables coalescing.
type WeatherOptions struct {
	TTL             time.Duration
	StaleTTL        time.Duration
	CoalesceTimeout time.Duration
}

// WeatherService reads weather through the response cache (cache-aside with
// write-through on fetch).
type WeatherService struct {
	weather         client.WeatherProvider
	alerts          client.AlertsProvider
	cache           cache.Cache
	ttl             time.Duration
	staleTTL        time.Duration
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer
	logger          *zap.Logger
	now             func() time.Time
}

// NewWeatherService creates a WeatherService.
func NewWeatherService(weather client.WeatherProvider, alerts client.AlertsProvider, c cache.Cache, opts WeatherOptions, logger *zap.Logger) *WeatherService {
	if opts.TTL <= 0 {
		opts.TTL = cache.DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var coalescer *requestCoalescer
	if opts.CoalesceTimeout > 0 {
		coalescer = newRequestCoalescer(opts.CoalesceTimeout)
	}
	return &WeatherService{
		weather:         weather,
		alerts:          alerts,
		cache:           c,
		ttl:             opts.TTL,
		staleTTL:        opts.StaleTTL,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
		logger:          logger,
		now:             time.Now,
	}
}

// CurrentWeather returns present conditions for the coordinates.
func (s *WeatherService) CurrentWeather(ctx context.Context, lat, lon float64) (Result[models.CurrentWeather], error) {
	key := cache.Key{Type: cache.TypeCurrentWeather, Lat: lat, Lon: lon}
	return readThrough(ctx, s, key, func(ctx context.Context) (models.CurrentWeather, error) {
		w, err := s.weather.GetCurrentWeather(ctx, lat, lon)
		if err != nil {
			return models.CurrentWeather{}, err
		}
		if err := w.Validate(); err != nil {
			return models.CurrentWeather{}, err
		}
		return w, nil
	})
}

// Forecast returns the daily forecast aggregated from 3-hourly entries.
func (s *WeatherService) Forecast(ctx context.Context, lat, lon float64) (Result[[]models.DailyForecast], error) {
	key := cache.Key{Type: cache.TypeForecast, Lat: lat, Lon: lon}
	return readThrough(ctx, s, key, func(ctx context.Context) ([]models.DailyForecast, error) {
		items, err := s.weather.GetForecast(ctx, lat, lon)
		if err != nil {
			return nil, err
		}
		days := AggregateForecast(items)
		for _, d := range days {
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("day %s: %w", d.Date.Format(time.DateOnly), err)
			}
		}
		return days, nil
	})
}

// Alerts returns active severe-weather alerts. An empty slice means none.
func (s *WeatherService) Alerts(ctx context.Context, lat, lon float64) (Result[[]models.WeatherAlert], error) {
	key := cache.Key{Type: cache.TypeAlerts, Lat: lat, Lon: lon}
	return readThrough(ctx, s, key, func(ctx context.Context) ([]models.WeatherAlert, error) {
		alerts, err := s.alerts.GetAlerts(ctx, lat, lon)
		if err != nil {
			return nil, err
		}
		if alerts == nil {
			alerts = []models.WeatherAlert{}
		}
		return alerts, nil
	})
}

// WarmLocation loads current weather and forecast into the cache.
// It implements cache.LocationWarmer.
func (s *WeatherService) WarmLocation(ctx context.Context, lat, lon float64) error {
	_, currentErr := s.CurrentWeather(ctx, lat, lon)
	_, forecastErr := s.Forecast(ctx, lat, lon)
	return errors.Join(currentErr, forecastErr)
}

// readThrough serves key from the cache when fresh, otherwise fetches, stores
// and returns the upstream value. On upstream failure an entry younger than
// staleTTL is served instead.
func readThrough[T any](ctx context.Context, s *WeatherService, key cache.Key, fetch func(context.Context) (T, error)) (Result[T], error) {
	start := time.Now()
	logger := observability.LoggerFrom(ctx, s.logger).With(zap.Stringer("cache_key", key))
	cacheType := string(key.Type)

	entry, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		logger.Warn("cache get failed", zap.Error(err))
	case ok:
		var v T
		decodeErr := json.Unmarshal(entry.Payload, &v)
		if decodeErr == nil {
			observability.CacheHitsTotal.WithLabelValues(cacheType).Inc()
			logger.Debug("cache hit", zap.Duration("duration", time.Since(start)))
			return Result[T]{Data: v, Cached: true, FetchedAt: entry.CreatedAt}, nil
		}
		observability.CacheErrorsTotal.WithLabelValues("get", "decode").Inc()
		logger.Warn("cached payload undecodable, refetching", zap.Error(decodeErr))
	}
	observability.CacheMissesTotal.WithLabelValues(cacheType).Inc()

	k := key.String()
	if concurrent := s.stampedeTracker.RecordMiss(k); concurrent > 1 {
		observability.CacheStampedeTotal.Inc()
	}
	defer s.stampedeTracker.RecordDone(k)

	logger.Debug("cache miss, fetching upstream")

	load := func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key.Type, err)
		}
		if setErr := s.cache.Set(ctx, key, payload, s.ttl); setErr != nil {
			observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
			logger.Warn("cache set failed", zap.Error(setErr))
		}
		return payload, nil
	}

	var payload []byte
	var upstreamErr error
	if s.coalescer != nil {
		waitStart := time.Now()
		var shared bool
		payload, shared, upstreamErr = s.coalescer.GetOrDo(ctx, k, load)
		if shared {
			observability.RequestCoalescingHitsTotal.WithLabelValues(cacheType).Inc()
			observability.RequestCoalescingWaitSeconds.Observe(time.Since(waitStart).Seconds())
		}
	} else {
		payload, upstreamErr = load(ctx)
	}

	if upstreamErr != nil {
		if res, ok := serveStale[T](ctx, s, key, logger); ok {
			return res, nil
		}
		return Result[T]{}, fmt.Errorf("fetch %s: %w", key.Type, upstreamErr)
	}

	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return Result[T]{}, fmt.Errorf("decode %s: %w", key.Type, err)
	}
	logger.Debug("weather served", zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return Result[T]{Data: v, FetchedAt: s.now()}, nil
}

// staleLookupTimeout bounds the fallback read after an upstream failure.
const staleLookupTimeout = time.Second

func serveStale[T any](ctx context.Context, s *WeatherService, key cache.Key, logger *zap.Logger) (Result[T], bool) {
	if s.staleTTL <= 0 {
		return Result[T]{}, false
	}
	// The upstream failure is often the caller's deadline expiring, so the
	// lookup must not inherit that cancellation.
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), staleLookupTimeout)
	defer cancel()
	entry, ok, err := s.cache.GetStale(lookupCtx, key, s.staleTTL)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get_stale", categorizeCacheError(err)).Inc()
		logger.Warn("stale cache lookup failed", zap.Error(err))
		return Result[T]{}, false
	}
	if !ok {
		return Result[T]{}, false
	}
	var v T
	if err := json.Unmarshal(entry.Payload, &v); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get_stale", "decode").Inc()
		return Result[T]{}, false
	}
	observability.CacheStaleServedTotal.WithLabelValues(string(key.Type)).Inc()
	logger.Info("serving stale cache", zap.Duration("age", s.now().Sub(entry.CreatedAt)))
	return Result[T]{Data: v, Cached: true, Stale: true, FetchedAt: entry.CreatedAt}, true
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
