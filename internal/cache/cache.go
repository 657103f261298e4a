package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/weather-companion/internal/models"
)

// DefaultTTL is how long a fetched response stays fresh.
const DefaultTTL = 30 * time.Minute

// Type identifies the kind of response stored under a key.
type Type string

const (
	TypeCurrentWeather Type = "current_weather"
	TypeForecast       Type = "forecast"
	TypeAlerts         Type = "alerts"
)

// Key identifies one cached response. Two keys with equal type and coordinates
// address the same entry.
type Key struct {
	Type Type
	Lat  float64
	Lon  float64
}

// String renders the key as "<type>_<lat>_<lon>".
func (k Key) String() string {
	return string(k.Type) + "_" + models.FormatCoordinate(k.Lat) + "_" + models.FormatCoordinate(k.Lon)
}

// Entry is a cached JSON payload with its validity window.
type Entry struct {
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// NewEntry builds an entry created at now that expires after ttl.
func NewEntry(payload []byte, now time.Time, ttl time.Duration) Entry {
	return Entry{Payload: payload, CreatedAt: now, ExpiresAt: now.Add(ttl)}
}

// Fresh reports whether the entry is still valid at now.
func (e Entry) Fresh(now time.Time) bool {
	return !now.After(e.ExpiresAt)
}

// Cache stores upstream responses keyed by type and coordinates.
//
// Get returns only fresh entries. GetStale returns an entry created within
// maxAge regardless of expiry; it backs the offline fallback. Set replaces any
// existing entry. DeleteExpired removes entries that expired before the given
// instant and reports how many were removed.
type Cache interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	GetStale(ctx context.Context, key Key, maxAge time.Duration) (Entry, bool, error)
	Set(ctx context.Context, key Key, payload []byte, ttl time.Duration) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// InMemoryCache implements Cache using a mutex-protected map.
// Expired entries stay until DeleteExpired so GetStale can still find them.
type InMemoryCache struct {
	mu   sync.RWMutex
	data map[Key]Entry
	now  func() time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[Key]Entry),
		now:  time.Now,
	}
}

// Get returns the entry for key when present and fresh.
func (c *InMemoryCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || !entry.Fresh(c.now()) {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// GetStale returns the entry for key when it was created within maxAge.
func (c *InMemoryCache) GetStale(ctx context.Context, key Key, maxAge time.Duration) (Entry, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(entry.CreatedAt) > maxAge {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// Set stores payload under key with the given TTL.
func (c *InMemoryCache) Set(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = NewEntry(payload, c.now(), ttl)
	return nil
}

// DeleteExpired removes entries whose expiry is before the given instant.
func (c *InMemoryCache) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for k, e := range c.data {
		if e.ExpiresAt.Before(before) {
			delete(c.data, k)
			n++
		}
	}
	return n, nil
}

