package cache

import (
	"context"
	"testing"
	"time"
)

func newTestCache(now *time.Time) *InMemoryCache {
	c := NewInMemoryCache()
	c.now = func() time.Time { return *now }
	return c
}

func TestKey_String(t *testing.T) {
	tests := []struct {
		key  Key
		want string
	}{
		{Key{TypeCurrentWeather, -25.2867, -57.3333}, "current_weather_-25.2867_-57.3333"},
		{Key{TypeForecast, 40, -3}, "forecast_40.0_-3.0"},
		{Key{TypeAlerts, 0.5, 10.25}, "alerts_0.5_10.25"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("Key.String() = %q, want %q", got, tt.want)
		}
	}
}

func TestEntry_Fresh(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	e := NewEntry([]byte("{}"), now, DefaultTTL)
	if !e.Fresh(now.Add(29 * time.Minute)) {
		t.Error("entry should be fresh at 29m")
	}
	if !e.Fresh(now.Add(30 * time.Minute)) {
		t.Error("entry should be fresh exactly at expiry")
	}
	if e.Fresh(now.Add(30*time.Minute + time.Second)) {
		t.Error("entry should be stale after expiry")
	}
}

func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestCache(&now)
	key := Key{TypeCurrentWeather, 47.6, -122.3}

	if err := c.Set(ctx, key, []byte(`{"temperature":12.5}`), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, ok, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if string(got.Payload) != `{"temperature":12.5}` {
		t.Errorf("Get() payload = %s", got.Payload)
	}
	if !got.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, now.Add(time.Minute))
	}

	other := Key{TypeForecast, 47.6, -122.3}
	if _, ok, _ := c.Get(ctx, other); ok {
		t.Error("keys with different types must not collide")
	}
}

func TestInMemoryCache_ExpiredAndStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestCache(&now)
	key := Key{TypeForecast, 1, 2}
	_ = c.Set(ctx, key, []byte("[]"), 30*time.Minute)

	now = now.Add(45 * time.Minute)
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if _, ok, _ := c.GetStale(ctx, key, time.Hour); !ok {
		t.Error("GetStale() within maxAge should return expired entry")
	}
	if _, ok, _ := c.GetStale(ctx, key, 30*time.Minute); ok {
		t.Error("GetStale() beyond maxAge should miss")
	}
}

func TestInMemoryCache_SetReplaces(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestCache(&now)
	key := Key{TypeAlerts, 1, 2}
	_ = c.Set(ctx, key, []byte("old"), time.Minute)
	now = now.Add(10 * time.Second)
	_ = c.Set(ctx, key, []byte("new"), time.Minute)

	got, _, _ := c.Get(ctx, key)
	if string(got.Payload) != "new" || !got.CreatedAt.Equal(now) {
		t.Errorf("Get() = %+v, want replaced entry", got)
	}
	if len(c.data) != 1 {
		t.Errorf("entries = %d, want 1", len(c.data))
	}
}

func TestInMemoryCache_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestCache(&now)
	_ = c.Set(ctx, Key{TypeCurrentWeather, 1, 1}, []byte("a"), time.Minute)
	_ = c.Set(ctx, Key{TypeCurrentWeather, 2, 2}, []byte("b"), time.Hour)

	n, err := c.DeleteExpired(ctx, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 || len(c.data) != 1 {
		t.Errorf("DeleteExpired() = %d, entries = %d, want 1 and 1", n, len(c.data))
	}
}

func TestSweeper_SweepOnce_KeepsRetention(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	c := newTestCache(&now)
	_ = c.Set(ctx, Key{TypeCurrentWeather, 1, 1}, []byte("a"), 30*time.Minute)

	now = now.Add(40 * time.Minute)
	s := NewSweeper(c, time.Minute, time.Hour, nil)
	s.now = func() time.Time { return now }
	if n, _ := s.SweepOnce(ctx); n != 0 {
		t.Errorf("SweepOnce() = %d, want 0 while within retention", n)
	}

	s.retention = 0
	if n, _ := s.SweepOnce(ctx); n != 1 {
		t.Errorf("SweepOnce() = %d, want 1 with no retention", n)
	}
}

func TestSweeper_Run_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSweeper(NewInMemoryCache(), time.Millisecond, 0, nil)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestInstrumented_Delegates(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemoryCache()
	c := WithMetrics(inner, "in_memory")
	key := Key{TypeForecast, 3, 4}
	if err := c.Set(ctx, key, []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, key); !ok {
		t.Error("Get() through wrapper should hit")
	}
	if _, ok, _ := inner.Get(ctx, key); !ok {
		t.Error("Set() through wrapper should reach the inner cache")
	}
}

func TestItemExpiration(t *testing.T) {
	if got := itemExpiration(90 * time.Minute); got != 5400 {
		t.Errorf("itemExpiration(90m) = %d, want 5400", got)
	}
	if got := itemExpiration(0); got != int32(DefaultTTL.Seconds()) {
		t.Errorf("itemExpiration(0) = %d, want default", got)
	}
	if got := itemExpiration(60 * 24 * time.Hour); got != int32(DefaultTTL.Seconds()) {
		t.Errorf("itemExpiration(60d) = %d, want default", got)
	}
}

func TestNewMemcachedCache_RequiresAddress(t *testing.T) {
	if _, err := NewMemcachedCache(" , ", 0, 0, 0); err == nil {
		t.Error("NewMemcachedCache() with no addresses should fail")
	}
	c, err := NewMemcachedCache("localhost:11211, other:11211", time.Second, 2, time.Hour)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	if c.staleRetention != time.Hour {
		t.Errorf("staleRetention = %v, want 1h", c.staleRetention)
	}
}

func TestParseAddrs(t *testing.T) {
	got := parseAddrs("a:11211, b:11211,")
	if len(got) != 2 || got[0] != "a:11211" || got[1] != "b:11211" {
		t.Errorf("parseAddrs() = %q", got)
	}
	if got := parseAddrs(" , "); len(got) != 0 {
		t.Errorf("parseAddrs(blank) = %q, want none", got)
	}
}
