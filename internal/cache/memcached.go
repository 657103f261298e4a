package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "weather:"

// maxRelativeExp is the largest expiration memcached treats as relative seconds.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached. Items outlive their TTL by
// the stale retention so GetStale keeps working; memcached evicts them afterwards.
type MemcachedCache struct {
	client         *memcache.Client
	staleRetention time.Duration
	now            func() time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleRetention time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		return nil, fmt.Errorf("memcached: no server addresses in %q", addrs)
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleRetention: staleRetention, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func itemKey(k Key) string {
	return keyPrefix + k.String()
}

func (c *MemcachedCache) load(ctx context.Context, key Key) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	item, err := c.client.Get(itemKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("memcached get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(item.Value, &e); err != nil {
		return Entry{}, false, fmt.Errorf("memcached decode entry: %w", err)
	}
	return e, true, nil
}

// Get implements Cache.Get. Returns false, nil on miss or expiry.
func (c *MemcachedCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	e, ok, err := c.load(ctx, key)
	if err != nil || !ok || !e.Fresh(c.now()) {
		return Entry{}, false, err
	}
	return e, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key Key, maxAge time.Duration) (Entry, bool, error) {
	e, ok, err := c.load(ctx, key)
	if err != nil || !ok || c.now().Sub(e.CreatedAt) > maxAge {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(NewEntry(payload, c.now(), ttl))
	if err != nil {
		return fmt.Errorf("memcached encode entry: %w", err)
	}
	if err := c.client.Set(&memcache.Item{
		Key:        itemKey(key),
		Value:      raw,
		Expiration: itemExpiration(ttl + c.staleRetention),
	}); err != nil {
		return fmt.Errorf("memcached set: %w", err)
	}
	return nil
}

func itemExpiration(d time.Duration) int32 {
	sec := int32(d.Seconds())
	if sec <= 0 || sec > maxRelativeExp {
		return int32(DefaultTTL.Seconds())
	}
	return sec
}

// DeleteExpired is a no-op: memcached evicts items once their expiration passes.
func (c *MemcachedCache) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
