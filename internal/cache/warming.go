package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/observability"
)

// LocationWarmer is implemented by the weather service to fetch and cache
// weather for one coordinate pair. Declared here to avoid an import cycle.
type LocationWarmer interface {
	WarmLocation(ctx context.Context, lat, lon float64) error
}

// LocationLister returns the locations whose weather should be kept warm.
type LocationLister interface {
	SavedLocations(ctx context.Context) ([]models.Location, error)
}

// Warmer prefetches weather for saved locations so first reads hit the cache.
type Warmer struct {
	fetcher        LocationWarmer
	lister         LocationLister
	includeDefault bool
	concurrency    int
	logger         *zap.Logger
}

// NewWarmer creates a Warmer. concurrency <= 0 means 4 parallel fetches.
func NewWarmer(fetcher LocationWarmer, lister LocationLister, includeDefault bool, concurrency int, logger *zap.Logger) *Warmer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Warmer{
		fetcher:        fetcher,
		lister:         lister,
		includeDefault: includeDefault,
		concurrency:    concurrency,
		logger:         logger,
	}
}

// Warm fetches weather for every saved location concurrently.
// Returns the joined errors of all failed locations.
func (w *Warmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()

	locations, err := w.lister.SavedLocations(ctx)
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: list locations: %w", err)
	}
	if w.includeDefault {
		locations = append(locations[:len(locations):len(locations)], models.DefaultLocation)
	}
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		sem  = make(chan struct{}, w.concurrency)
	)
	for _, loc := range locations {
		loc := loc
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc.ID, ctx.Err()))
				mu.Unlock()
				return
			}
			defer func() { <-sem }()
			if err := w.fetcher.WarmLocation(ctx, loc.Latitude, loc.Longitude); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc.ID, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until
// ctx is done. A non-positive interval warms once and returns nil.
func (w *Warmer) WarmPeriodic(ctx context.Context, interval time.Duration) error {
	if err := w.Warm(ctx); err != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx); err != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
