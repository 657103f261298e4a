package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kjstillabower/weather-companion/internal/circuitbreaker"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/observability"
)

// Geocoder resolves place names and coordinates.
type Geocoder interface {
	SearchLocations(ctx context.Context, query string, limit int) ([]models.Location, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.Location, error)
}

// WeatherProvider returns current conditions and the raw 3-hourly forecast.
type WeatherProvider interface {
	GetCurrentWeather(ctx context.Context, lat, lon float64) (models.CurrentWeather, error)
	GetForecast(ctx context.Context, lat, lon float64) ([]ForecastItem, error)
}

// AlertsProvider returns active severe-weather alerts.
type AlertsProvider interface {
	GetAlerts(ctx context.Context, lat, lon float64) ([]models.WeatherAlert, error)
}

var (
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrNotFound        = errors.New("not found upstream")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	// ErrCircuitOpen is returned without calling upstream while the breaker is open.
	ErrCircuitOpen = circuitbreaker.ErrOpen
)

// Upstream endpoint labels used in metrics and span names.
const (
	EndpointGeocodeDirect  = "geocode_direct"
	EndpointGeocodeReverse = "geocode_reverse"
	EndpointWeather        = "weather"
	EndpointForecast       = "forecast"
	EndpointOneCall        = "onecall"
)

// DefaultSearchLimit is the number of geocoding candidates requested per search.
const DefaultSearchLimit = 5

// forecastCount requests 40 3-hourly entries (five days).
const forecastCount = 40

// Config configures an OpenWeatherClient. Zero retry values take the defaults
// (3 attempts, 1s base delay, 5s max delay).
type Config struct {
	APIKey         string
	WeatherURL     string // e.g. https://api.openweathermap.org/data/2.5
	GeoURL         string // e.g. https://api.openweathermap.org/geo/1.0
	Language       string
	Units          string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Breaker        *circuitbreaker.CircuitBreaker
	HTTPClient     *http.Client
}

// OpenWeatherClient talks to the OpenWeatherMap geocoding, weather, forecast and one call APIs.
type OpenWeatherClient struct {
	apiKey         string
	weatherURL     *url.URL
	geoURL         *url.URL
	language       string
	units          string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	now            func() time.Time
}

// NewOpenWeatherClient validates cfg and builds a client.
func NewOpenWeatherClient(cfg Config) (*OpenWeatherClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(cfg.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	weatherURL, err := parseBaseURL(cfg.WeatherURL)
	if err != nil {
		return nil, fmt.Errorf("invalid weather URL: %w", err)
	}
	geoURL, err := parseBaseURL(cfg.GeoURL)
	if err != nil {
		return nil, fmt.Errorf("invalid geocoding URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = 5 * cfg.RetryBaseDelay
	}
	if cfg.Language == "" {
		cfg.Language = models.DefaultLanguage
	}
	if cfg.Units == "" {
		cfg.Units = "metric"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenWeatherClient{
		apiKey:         cfg.APIKey,
		weatherURL:     weatherURL,
		geoURL:         geoURL,
		language:       cfg.Language,
		units:          cfg.Units,
		timeout:        cfg.Timeout,
		client:         httpClient,
		retryAttempts:  cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
		retryMaxDelay:  cfg.RetryMaxDelay,
		breaker:        cfg.Breaker,
		now:            time.Now,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%q must be absolute", raw)
	}
	return u, nil
}

// SearchLocations implements Geocoder.
func (c *OpenWeatherClient) SearchLocations(ctx context.Context, query string, limit int) ([]models.Location, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))

	var results []geocodingResult
	if err := c.get(ctx, EndpointGeocodeDirect, c.geoURL, "direct", params, &results); err != nil {
		return nil, err
	}
	return c.mapLocations(results), nil
}

// ReverseGeocode implements Geocoder. An empty slice means no place is known at the coordinates.
func (c *OpenWeatherClient) ReverseGeocode(ctx context.Context, lat, lon float64) ([]models.Location, error) {
	params := coordParams(lat, lon)
	params.Set("limit", "1")

	var results []geocodingResult
	if err := c.get(ctx, EndpointGeocodeReverse, c.geoURL, "reverse", params, &results); err != nil {
		return nil, err
	}
	return c.mapLocations(results), nil
}

// mapLocations drops results that fail location validation, such as a blank
// name or out-of-range coordinates.
func (c *OpenWeatherClient) mapLocations(results []geocodingResult) []models.Location {
	now := c.now()
	out := make([]models.Location, 0, len(results))
	for _, r := range results {
		loc, err := r.toModel(now)
		if err != nil {
			continue
		}
		out = append(out, loc)
	}
	return out
}

// GetCurrentWeather implements WeatherProvider.
func (c *OpenWeatherClient) GetCurrentWeather(ctx context.Context, lat, lon float64) (models.CurrentWeather, error) {
	var resp currentWeatherResponse
	if err := c.get(ctx, EndpointWeather, c.weatherURL, "weather", c.weatherParams(lat, lon), &resp); err != nil {
		return models.CurrentWeather{}, err
	}
	return resp.toModel(), nil
}

// GetForecast implements WeatherProvider.
func (c *OpenWeatherClient) GetForecast(ctx context.Context, lat, lon float64) ([]ForecastItem, error) {
	params := c.weatherParams(lat, lon)
	params.Set("cnt", strconv.Itoa(forecastCount))

	var resp forecastResponse
	if err := c.get(ctx, EndpointForecast, c.weatherURL, "forecast", params, &resp); err != nil {
		return nil, err
	}
	return resp.toItems(), nil
}

// GetAlerts implements AlertsProvider. A response without an alerts array means no alerts.
func (c *OpenWeatherClient) GetAlerts(ctx context.Context, lat, lon float64) ([]models.WeatherAlert, error) {
	params := c.weatherParams(lat, lon)
	params.Set("exclude", "minutely,hourly")

	var resp oneCallResponse
	if err := c.get(ctx, EndpointOneCall, c.weatherURL, "onecall", params, &resp); err != nil {
		return nil, err
	}
	return resp.toAlerts(), nil
}

// ValidateAPIKey makes a single reverse-geocoding call without retries.
// Used by /health and at startup.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	params := coordParams(models.DefaultLocation.Latitude, models.DefaultLocation.Longitude)
	params.Set("limit", "1")
	req, err := c.buildRequest(ctx, c.geoURL, "reverse", params)
	if err != nil {
		return fmt.Errorf("build validation request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

func coordParams(lat, lon float64) url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	return params
}

func (c *OpenWeatherClient) weatherParams(lat, lon float64) url.Values {
	params := coordParams(lat, lon)
	params.Set("units", c.units)
	params.Set("lang", c.language)
	return params
}

// get performs a GET with retries, circuit breaking, metrics and a client span,
// decoding a 2xx JSON body into out.
func (c *OpenWeatherClient) get(ctx context.Context, endpoint string, base *url.URL, path string, params url.Values, out any) error {
	ctx, span := observability.StartSpan(ctx, "openweather."+endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("weather.endpoint", endpoint)))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.WeatherAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "cancelled")
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.callOnce(ctx, endpoint, base, path, params, out)
		if err == nil {
			span.SetAttributes(attribute.Int("weather.attempts", attempt+1))
			return nil
		}
		lastErr = err
		if !isRetryable(ctx, err) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, string(CategorizeError(lastErr)))
	if c.retryAttempts > 1 && isRetryable(ctx, lastErr) {
		return fmt.Errorf("%s: exhausted retries: %w", endpoint, lastErr)
	}
	return fmt.Errorf("%s: %w", endpoint, lastErr)
}

func (c *OpenWeatherClient) callOnce(ctx context.Context, endpoint string, base *url.URL, path string, params url.Values, out any) error {
	call := func() error { return c.callAPI(ctx, endpoint, base, path, params, out) }
	if c.breaker == nil {
		return call()
	}
	return c.breaker.Call(ctx, call)
}

func (c *OpenWeatherClient) callAPI(ctx context.Context, endpoint string, base *url.URL, path string, params url.Values, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, base, path, params)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.WeatherAPICallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.WeatherAPIDuration.WithLabelValues(endpoint, "error").Observe(duration)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, base *url.URL, path string, params url.Values) (*http.Request, error) {
	u := *base
	u.Path = strings.TrimRight(base.Path, "/") + "/" + path
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid API key", ErrInvalidAPIKey)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
}

// isRetryable reports whether another attempt may succeed. Per-attempt timeouts
// are retried; cancellation of the caller's context is not.
func isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsUpstreamFault reports whether err indicates the provider is unhealthy
// (5xx, throttling, timeouts, connection failures) as opposed to a bad request.
// Used as the circuit breaker failure predicate.
func IsUpstreamFault(err error) bool {
	switch CategorizeError(err) {
	case ErrorCategoryUpstream5xx, ErrorCategoryRateLimited, ErrorCategoryTimeout, ErrorCategoryNetwork:
		return true
	}
	return false
}

func (c *OpenWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}
	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
