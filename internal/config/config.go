package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-companion/internal/validation"
)

// Cache backends.
const (
	CacheBackendStore     = "store"
	CacheBackendInMemory  = "in_memory"
	CacheBackendMemcached = "memcached"
)

// Store drivers.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherURL        string
	GeoURL            string
	WeatherAPITimeout time.Duration
	Language          string
	Units             string

	RequestTimeout time.Duration
	MaxQueryLength int

	StoreDriver   string
	SQLitePath    string
	DatabaseURL   string
	StoreMaxConns int32

	CacheBackend       string
	CacheTTL           time.Duration
	StaleCacheTTL      time.Duration
	CacheSweepInterval time.Duration

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	WarmingEnabled        bool
	WarmingIncludeDefault bool
	WarmingInterval       time.Duration
	WarmingConcurrency    int

	ShutdownTimeout time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	DegradedMinRequests  int

	TracingEndpoint    string
	TracingServiceName string
	TracingInsecure    bool
	TracingSampleRatio float64
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		WeatherURL string `yaml:"weather_url"`
		GeoURL     string `yaml:"geo_url"`
		Timeout    string `yaml:"timeout"`
		Language   string `yaml:"language"`
		Units      string `yaml:"units"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout        string `yaml:"timeout"`
		MaxQueryLength int    `yaml:"max_query_length"`
	} `yaml:"request"`

	Store struct {
		Driver      string `yaml:"driver"`
		SQLitePath  string `yaml:"sqlite_path"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int32  `yaml:"max_conns"`
	} `yaml:"store"`

	Cache struct {
		Backend       string `yaml:"backend"`
		TTL           string `yaml:"ttl"`
		StaleTTL      string `yaml:"stale_ttl"`
		SweepInterval string `yaml:"sweep_interval"`
		Memcached     struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
		Coalescing struct {
			Enabled *bool  `yaml:"enabled"`
			Timeout string `yaml:"timeout"`
		} `yaml:"coalescing"`
	} `yaml:"reliability"`

	Warming struct {
		Enabled        bool   `yaml:"enabled"`
		IncludeDefault *bool  `yaml:"include_default"`
		Interval       string `yaml:"interval"`
		Concurrency    int    `yaml:"concurrency"`
	} `yaml:"warming"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
		DegradedMinRequests  int    `yaml:"degraded_min_requests"`
	} `yaml:"lifecycle"`

	Tracing struct {
		Endpoint    string   `yaml:"endpoint"`
		ServiceName string   `yaml:"service_name"`
		Insecure    bool     `yaml:"insecure"`
		SampleRatio *float64 `yaml:"sample_ratio"`
	} `yaml:"tracing"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads .env (if present), config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml, then applies environment overrides. The API key comes
// from WEATHER_API_KEY or the secrets file. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")

	cfg.WeatherAPIKey = os.Getenv("WEATHER_API_KEY")
	if cfg.WeatherAPIKey == "" {
		key, err := readSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherURL = firstNonEmpty(fc.WeatherAPI.WeatherURL, "https://api.openweathermap.org/data/2.5")
	cfg.GeoURL = firstNonEmpty(fc.WeatherAPI.GeoURL, "https://api.openweathermap.org/geo/1.0")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.Language = strings.ToLower(firstNonEmpty(fc.WeatherAPI.Language, "es"))
	cfg.Units = firstNonEmpty(fc.WeatherAPI.Units, "metric")

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	cfg.MaxQueryLength = positiveOr(fc.Request.MaxQueryLength, 100)

	cfg.StoreDriver = strings.ToLower(firstNonEmpty(os.Getenv("STORE_DRIVER"), fc.Store.Driver, StoreDriverSQLite))
	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Store.SQLitePath, "weather.db")
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), fc.Store.DatabaseURL)
	cfg.StoreMaxConns = fc.Store.MaxConns
	if cfg.StoreMaxConns <= 0 {
		cfg.StoreMaxConns = 10
	}

	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, CacheBackendStore))
	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 30*time.Minute)
	cfg.StaleCacheTTL = parseDurationOrZero(fc.Cache.StaleTTL, 7*24*time.Hour)
	cfg.CacheSweepInterval = parseDurationOrZero(fc.Cache.SweepInterval, 10*time.Minute)
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, time.Second)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = boolOr(cb.Enabled, true)
	cfg.CircuitBreakerFailureThreshold = positiveOr(cb.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(cb.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.CoalesceEnabled = boolOr(fc.Reliability.Coalescing.Enabled, true)
	cfg.CoalesceTimeout = parseDuration(fc.Reliability.Coalescing.Timeout, 15*time.Second)

	cfg.WarmingEnabled = fc.Warming.Enabled
	cfg.WarmingIncludeDefault = boolOr(fc.Warming.IncludeDefault, true)
	cfg.WarmingInterval = parseDurationOrZero(fc.Warming.Interval, 0)
	cfg.WarmingConcurrency = positiveOr(fc.Warming.Concurrency, 4)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)
	cfg.DegradedMinRequests = positiveOr(fc.Lifecycle.DegradedMinRequests, 20)

	cfg.TracingEndpoint = firstNonEmpty(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), fc.Tracing.Endpoint)
	cfg.TracingServiceName = firstNonEmpty(fc.Tracing.ServiceName, "weather-companion")
	cfg.TracingInsecure = fc.Tracing.Insecure
	cfg.TracingSampleRatio = 1
	if fc.Tracing.SampleRatio != nil {
		cfg.TracingSampleRatio = *fc.Tracing.SampleRatio
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return sec.WeatherAPIKey, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero and negative durations are returned as-is ("0s" disables optional loops).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// UpstreamBudget is the longest one upstream call can take: every attempt at
// the full per-attempt timeout plus each backoff at its maximum jitter.
func (c *Config) UpstreamBudget() time.Duration {
	attempts := c.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	budget := time.Duration(attempts) * c.WeatherAPITimeout
	for attempt := 1; attempt < attempts; attempt++ {
		delay := c.RetryBaseDelay << (attempt - 1)
		if delay > c.RetryMaxDelay || delay <= 0 {
			delay = c.RetryMaxDelay
		}
		budget += delay + delay/10
	}
	return budget
}

// validate rejects unknown backends and drivers. RequestTimeout and
// CoalesceTimeout are raised to fit the full upstream retry budget.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 5 * cfg.RetryBaseDelay
	}
	budget := cfg.UpstreamBudget()
	if cfg.RequestTimeout <= budget {
		cfg.RequestTimeout = budget + time.Second
	}
	if cfg.CoalesceTimeout < budget {
		cfg.CoalesceTimeout = budget
	}
	switch cfg.CacheBackend {
	case CacheBackendStore, CacheBackendInMemory, CacheBackendMemcached:
	default:
		return fmt.Errorf("cache.backend must be store, in_memory or memcached, got %q", cfg.CacheBackend)
	}
	switch cfg.StoreDriver {
	case StoreDriverSQLite:
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("store.database_url (or DATABASE_URL) required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be sqlite or postgres, got %q", cfg.StoreDriver)
	}
	if cfg.StaleCacheTTL < 0 {
		cfg.StaleCacheTTL = 0
	}
	if cfg.TracingSampleRatio < 0 || cfg.TracingSampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %v", cfg.TracingSampleRatio)
	}
	lang, err := validation.ValidateLanguageCode(cfg.Language)
	if err != nil {
		return fmt.Errorf("weather_api.language: %w", err)
	}
	cfg.Language = lang
	return nil
}
