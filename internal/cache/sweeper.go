package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-companion/internal/observability"
)

// Sweeper periodically purges expired cache entries. Entries are kept for
// retention past their expiry so the stale fallback can still serve them.
type Sweeper struct {
	cache     Cache
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSweeper creates a Sweeper. A nil logger disables logging.
func NewSweeper(c Cache, interval, retention time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{cache: c, interval: interval, retention: retention, logger: logger, now: time.Now}
}

// SweepOnce deletes entries that expired before now minus the retention.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	before := s.now().Add(-s.retention)
	n, err := s.cache.DeleteExpired(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("sweep expired cache entries: %w", err)
	}
	observability.CacheSweptTotal.Add(float64(n))
	if n > 0 {
		s.logger.Info("expired cache entries purged", zap.Int64("deleted", n), zap.Time("before", before))
	}
	return n, nil
}

// Run sweeps at the configured interval until ctx is done. A zero interval returns immediately.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Warn("cache sweep failed", zap.Error(err))
			}
		}
	}
}
