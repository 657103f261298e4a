package cache

import (
	"context"
	"time"

	"github.com/kjstillabower/weather-companion/internal/observability"
)

// Instrumented wraps a Cache and records per-operation latency under the backend label.
type Instrumented struct {
	next    Cache
	backend string
}

// WithMetrics wraps c so every call is timed in cacheOperationDurationSeconds.
func WithMetrics(c Cache, backend string) *Instrumented {
	return &Instrumented{next: c, backend: backend}
}

func (i *Instrumented) Get(ctx context.Context, key Key) (Entry, bool, error) {
	defer observability.ObserveCache(i.backend, "get", time.Now())
	return i.next.Get(ctx, key)
}

func (i *Instrumented) GetStale(ctx context.Context, key Key, maxAge time.Duration) (Entry, bool, error) {
	defer observability.ObserveCache(i.backend, "get_stale", time.Now())
	return i.next.GetStale(ctx, key, maxAge)
}

func (i *Instrumented) Set(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	defer observability.ObserveCache(i.backend, "set", time.Now())
	return i.next.Set(ctx, key, payload, ttl)
}

func (i *Instrumented) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	defer observability.ObserveCache(i.backend, "delete_expired", time.Now())
	return i.next.DeleteExpired(ctx, before)
}
