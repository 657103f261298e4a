package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
weather_api:
  weather_url: "https://api.example.com/data/2.5"
  geo_url: "https://api.example.com/geo/1.0"
  timeout: "2s"
request:
  timeout: "5s"
cache:
  ttl: "30m"
reliability:
  retry_max_attempts: 3
  retry_base_delay: "100ms"
  retry_max_delay: "2s"
  rate_limit_rps: 5
  rate_limit_burst: 10
shutdown:
  timeout: "10s"
`

var overrideVars = []string{
	"ENV_NAME", "PORT", "STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL",
	"CACHE_BACKEND", "MEMCACHED_ADDRS", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// setupDir writes config/dev.yaml into a temp dir, chdirs into it and
// clears environment overrides for the duration of the test.
func setupDir(t *testing.T, yamlContent string) string {
	t.Helper()
	for _, k := range overrideVars {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, yamlContent)
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	return dir
}

// unsetEnv removes key for the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config", "secrets.yaml"), []byte(content), 0600); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	unsetEnv(t, "WEATHER_API_KEY")
	setupDir(t, minimalEnvYAML)

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when no WEATHER_API_KEY and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "WEATHER_API_KEY") {
		t.Errorf("Load() error = %v, want message containing WEATHER_API_KEY", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	unsetEnv(t, "WEATHER_API_KEY")
	dir := setupDir(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "weather_api_key: key-from-secrets-file\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "key-from-secrets-file" {
		t.Errorf("WeatherAPIKey = %q, want key from secrets file", cfg.WeatherAPIKey)
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	unsetEnv(t, "WEATHER_API_KEY")
	dir := setupDir(t, minimalEnvYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WEATHER_API_KEY=key-from-dotenv\n"), 0600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "key-from-dotenv" {
		t.Errorf("WeatherAPIKey = %q, want key from .env", cfg.WeatherAPIKey)
	}
}

func TestLoad_InvalidSecretsYAML(t *testing.T) {
	unsetEnv(t, "WEATHER_API_KEY")
	dir := setupDir(t, minimalEnvYAML)
	writeSecretsFile(t, dir, "weather_api_key: [unclosed\n")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "secrets") {
		t.Errorf("Load() error = %v, want secrets parse error", err)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	setupDir(t, minimalEnvYAML)
	t.Setenv("ENV_NAME", "nonexistent")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("Load() error = %v, want config file not found", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	setupDir(t, "server: [unclosed\n")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Errorf("Load() error = %v, want parse error", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	setupDir(t, minimalEnvYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	checks := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"CacheBackend", cfg.CacheBackend, CacheBackendStore},
		{"CacheTTL", cfg.CacheTTL, 30 * time.Minute},
		{"StaleCacheTTL", cfg.StaleCacheTTL, 7 * 24 * time.Hour},
		{"StoreDriver", cfg.StoreDriver, StoreDriverSQLite},
		{"SQLitePath", cfg.SQLitePath, "weather.db"},
		{"Language", cfg.Language, "es"},
		{"Units", cfg.Units, "metric"},
		{"CircuitBreakerEnabled", cfg.CircuitBreakerEnabled, true},
		{"CoalesceEnabled", cfg.CoalesceEnabled, true},
		{"WarmingEnabled", cfg.WarmingEnabled, false},
		{"WarmingIncludeDefault", cfg.WarmingIncludeDefault, true},
		{"TracingEndpoint", cfg.TracingEndpoint, ""},
		{"TracingSampleRatio", cfg.TracingSampleRatio, 1.0},
		{"MaxQueryLength", cfg.MaxQueryLength, 100},
		{"RetryBaseDelay", cfg.RetryBaseDelay, 100 * time.Millisecond},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	setupDir(t, minimalEnvYAML)
	t.Setenv("CACHE_BACKEND", "MEMCACHED")
	t.Setenv("MEMCACHED_ADDRS", "a:11211, b:11211,")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CacheBackend != CacheBackendMemcached {
		t.Errorf("CacheBackend = %q, want memcached", cfg.CacheBackend)
	}
	if cfg.MemcachedAddrs != "a:11211, b:11211," {
		t.Errorf("MemcachedAddrs = %q", cfg.MemcachedAddrs)
	}
	if cfg.StoreDriver != StoreDriverPostgres || cfg.DatabaseURL != "postgres://u:p@localhost/db" {
		t.Errorf("store = %q %q", cfg.StoreDriver, cfg.DatabaseURL)
	}
	if cfg.TracingEndpoint != "collector:4318" {
		t.Errorf("TracingEndpoint = %q", cfg.TracingEndpoint)
	}
}

func TestLoad_EmptyAndInvalidDurationsFallBack(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	setupDir(t, `
weather_api:
  timeout: "2s"
shutdown:
  timeout: ""
cache:
  ttl: "not-a-duration"
  stale_ttl: "0s"
warming:
  interval: "bogus"
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}
	if cfg.CacheTTL != 30*time.Minute {
		t.Errorf("CacheTTL = %v, want 30m", cfg.CacheTTL)
	}
	if cfg.StaleCacheTTL != 0 {
		t.Errorf("StaleCacheTTL = %v, want 0 (disabled)", cfg.StaleCacheTTL)
	}
	if cfg.WarmingInterval != 0 {
		t.Errorf("WarmingInterval = %v, want 0", cfg.WarmingInterval)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		env     map[string]string
		wantErr string
	}{
		{"zero upstream timeout", "weather_api:\n  timeout: \"0s\"\n", nil, "weather_api.timeout"},
		{"unknown cache backend", "", map[string]string{"CACHE_BACKEND": "redis"}, "cache.backend"},
		{"unknown store driver", "", map[string]string{"STORE_DRIVER": "mysql"}, "store.driver"},
		{"postgres without url", "", map[string]string{"STORE_DRIVER": "postgres"}, "database_url"},
		{"bad sample ratio", "tracing:\n  sample_ratio: 1.5\n", nil, "sample_ratio"},
		{"bad language", "weather_api:\n  timeout: \"2s\"\n  language: \"spanish!\"\n", nil, "language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WEATHER_API_KEY", "test-key")
			base := minimalEnvYAML
			if strings.HasPrefix(tt.extra, "weather_api:") {
				base = strings.Replace(base, "weather_api:\n  weather_url: \"https://api.example.com/data/2.5\"\n  geo_url: \"https://api.example.com/geo/1.0\"\n  timeout: \"2s\"\n", "", 1)
			}
			setupDir(t, base+tt.extra)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RequestTimeoutExceedsUpstream(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	setupDir(t, strings.Replace(minimalEnvYAML, `timeout: "5s"`, `timeout: "1s"`, 1))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	// 3 attempts x 2s, backoffs of 100ms and 200ms plus 10% jitter, then 1s headroom.
	if cfg.UpstreamBudget() != 6330*time.Millisecond {
		t.Errorf("UpstreamBudget() = %v, want 6.33s", cfg.UpstreamBudget())
	}
	if cfg.RequestTimeout != 7330*time.Millisecond {
		t.Errorf("RequestTimeout = %v, want retry budget + 1s", cfg.RequestTimeout)
	}
	if cfg.CoalesceTimeout < cfg.UpstreamBudget() {
		t.Errorf("CoalesceTimeout = %v, shorter than retry budget", cfg.CoalesceTimeout)
	}
}

func TestUpstreamBudget(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{
			name: "single attempt has no backoff",
			cfg:  Config{RetryAttempts: 1, WeatherAPITimeout: 5 * time.Second, RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second},
			want: 5 * time.Second,
		},
		{
			name: "shipped defaults",
			cfg:  Config{RetryAttempts: 3, WeatherAPITimeout: 3 * time.Second, RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second},
			want: 9*time.Second + 1100*time.Millisecond + 2200*time.Millisecond,
		},
		{
			name: "backoff capped by max delay",
			cfg:  Config{RetryAttempts: 4, WeatherAPITimeout: time.Second, RetryBaseDelay: time.Second, RetryMaxDelay: 2 * time.Second},
			want: 4*time.Second + 1100*time.Millisecond + 2200*time.Millisecond + 2200*time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.UpstreamBudget(); got != tt.want {
				t.Errorf("UpstreamBudget() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad_RequestTimeoutAlreadyFitsBudget(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	setupDir(t, strings.Replace(minimalEnvYAML, `timeout: "5s"`, `timeout: "9s"`, 1))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RequestTimeout != 9*time.Second {
		t.Errorf("RequestTimeout = %v, want configured 9s kept", cfg.RequestTimeout)
	}
}

// TestDevConfigLoads keeps config/dev.yaml in sync with the loader.
func TestDevConfigLoads(t *testing.T) {
	t.Setenv("WEATHER_API_KEY", "test-key")
	for _, k := range overrideVars {
		t.Setenv(k, "")
	}
	root := findProjectRoot(t)
	origWd, _ := os.Getwd()
	if err := os.Chdir(root); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() with config/dev.yaml error = %v", err)
	}
	if cfg.RequestTimeout != 15*time.Second || cfg.RequestTimeout <= cfg.UpstreamBudget() {
		t.Errorf("RequestTimeout = %v, want shipped 15s to cover budget %v", cfg.RequestTimeout, cfg.UpstreamBudget())
	}
	if !cfg.WarmingEnabled || cfg.WarmingInterval != 25*time.Minute {
		t.Errorf("warming = %v/%v, want enabled every 25m", cfg.WarmingEnabled, cfg.WarmingInterval)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("go.mod not found")
		}
		dir = parent
	}
}
