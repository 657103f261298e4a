package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-companion/internal/client"
	"github.com/kjstillabower/weather-companion/internal/lifecycle"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/observability"
	"github.com/kjstillabower/weather-companion/internal/service"
	"github.com/kjstillabower/weather-companion/internal/traffic"
	"github.com/kjstillabower/weather-companion/internal/validation"
)

// WeatherUseCases is implemented by usecase.UseCases.
type WeatherUseCases interface {
	GetCurrentWeather(ctx context.Context, lat, lon float64) (service.Result[models.CurrentWeather], error)
	GetForecast(ctx context.Context, lat, lon float64) (service.Result[[]models.DailyForecast], error)
	GetAlerts(ctx context.Context, lat, lon float64) (service.Result[[]models.WeatherAlert], error)
	GetOverview(ctx context.Context, lat, lon float64) (models.Overview, error)
	SearchLocations(ctx context.Context, query string) ([]models.Location, error)
}

// LocationManager is implemented by service.LocationService.
type LocationManager interface {
	SavedLocations(ctx context.Context) ([]models.Location, error)
	SaveLocation(ctx context.Context, loc models.Location) (models.Location, error)
	RemoveLocation(ctx context.Context, id string) error
	LocationFromCoordinates(ctx context.Context, lat, lon float64) (models.Location, error)
	ToggleFavorite(ctx context.Context, id string) (models.Location, error)
	AddLocationByQuery(ctx context.Context, query string) (models.Location, error)
}

// SettingsManager is implemented by service.SettingsService.
type SettingsManager interface {
	Settings(ctx context.Context) (models.Settings, error)
	Apply(ctx context.Context, patch models.SettingsPatch) (models.Settings, error)
}

// CacheSweeper is implemented by cache.Sweeper.
type CacheSweeper interface {
	SweepOnce(ctx context.Context) (int64, error)
}

// APIKeyValidator is implemented by client.OpenWeatherClient.
type APIKeyValidator interface {
	ValidateAPIKey(ctx context.Context) error
}

// HealthConfig holds the inputs of GET /health beyond the API key check.
type HealthConfig struct {
	Thresholds traffic.Thresholds
	// StorePing, when set, marks the service degraded if the store is unreachable.
	StorePing func(context.Context) error
	// CachePing, when set, is reported under checks. Used when the backend is memcached.
	CachePing func(context.Context) error
	// BreakerState, when set, reports the upstream circuit breaker state.
	BreakerState func() string
	Version      string
}

// Dependencies are the collaborators a Handler serves requests with.
type Dependencies struct {
	UseCases  WeatherUseCases
	Locations LocationManager
	Settings  SettingsManager
	Sweeper   CacheSweeper
	APIKey    APIKeyValidator
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	useCases     WeatherUseCases
	locations    LocationManager
	settings     SettingsManager
	sweeper      CacheSweeper
	apiKey       APIKeyValidator
	healthConfig *HealthConfig
	logger       *zap.Logger

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(deps Dependencies, healthConfig *HealthConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		useCases:     deps.UseCases,
		locations:    deps.Locations,
		settings:     deps.Settings,
		sweeper:      deps.Sweeper,
		apiKey:       deps.APIKey,
		healthConfig: healthConfig,
		logger:       logger,
	}
}

// coordinates reads lat/lon from the query string, defaulting to models.DefaultLocation.
func coordinates(r *http.Request) (float64, float64, error) {
	q := r.URL.Query()
	return validation.ParseCoordinates(q.Get("lat"), q.Get("lon"),
		models.DefaultLocation.Latitude, models.DefaultLocation.Longitude)
}

// currentWeatherResponse adds the temperature formatted per the unit preference.
type currentWeatherResponse struct {
	service.Result[models.CurrentWeather]
	FormattedTemperature string `json:"formattedTemperature"`
}

// GetCurrentWeather handles GET /weather/current.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := coordinates(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := h.useCases.GetCurrentWeather(r.Context(), lat, lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, currentWeatherResponse{
		Result:               result,
		FormattedTemperature: result.Data.FormatTemperature(h.useCelsius(r)),
	})
}

// useCelsius reads the unit preference. A settings failure falls back to the
// default rather than failing a weather read.
func (h *Handler) useCelsius(r *http.Request) bool {
	s, err := h.settings.Settings(r.Context())
	if err != nil {
		observability.LoggerFrom(r.Context(), h.logger).Warn("settings unavailable; using default unit", zap.Error(err))
		return models.DefaultSettings().UseCelsius
	}
	return s.UseCelsius
}

// GetForecast handles GET /weather/forecast.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := coordinates(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := h.useCases.GetForecast(r.Context(), lat, lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetAlerts handles GET /weather/alerts.
func (h *Handler) GetAlerts(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := coordinates(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	result, err := h.useCases.GetAlerts(r.Context(), lat, lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type overviewResponse struct {
	models.Overview
	FormattedTemperature string `json:"formattedTemperature"`
}

// GetOverview handles GET /weather/overview.
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := coordinates(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	ov, err := h.useCases.GetOverview(r.Context(), lat, lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overviewResponse{
		Overview:             ov,
		FormattedTemperature: ov.Current.FormatTemperature(h.useCelsius(r)),
	})
}

// ListLocations handles GET /locations. order=favorites sorts favorites first
// then by name; order=recent (the default) keeps most recently saved first.
func (h *Handler) ListLocations(w http.ResponseWriter, r *http.Request) {
	order := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("order")))
	if order != "" && order != "recent" && order != "favorites" {
		writeError(w, r, http.StatusBadRequest, "INVALID_ORDER", "order must be favorites or recent")
		return
	}
	locs, err := h.locations.SavedLocations(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if order == "favorites" {
		locs = models.SortForDisplay(locs)
	}
	if locs == nil {
		locs = []models.Location{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"locations": locs})
}

type createLocationRequest struct {
	Name       string   `json:"name"`
	Country    string   `json:"country"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	IsFavorite bool     `json:"isFavorite"`
}

// CreateLocation handles POST /locations.
func (h *Handler) CreateLocation(w http.ResponseWriter, r *http.Request) {
	var body createLocationRequest
	if !decodeBody(w, r, &body) {
		return
	}
	// (0,0) is a valid place, so absence must be told apart from zero.
	if body.Latitude == nil || body.Longitude == nil {
		writeError(w, r, http.StatusBadRequest, "MISSING_COORDINATES", "latitude and longitude are required")
		return
	}
	saved, err := h.locations.SaveLocation(r.Context(), models.Location{
		Name:       body.Name,
		Country:    body.Country,
		Latitude:   *body.Latitude,
		Longitude:  *body.Longitude,
		IsFavorite: body.IsFavorite,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// AddLocationBySearch handles POST /locations/search: the first geocoding hit
// for the query is saved.
func (h *Handler) AddLocationBySearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	saved, err := h.locations.AddLocationByQuery(r.Context(), body.Query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

// SearchLocations handles GET /locations/search?q=.
func (h *Handler) SearchLocations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	results, err := h.useCases.SearchLocations(r.Context(), query)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if results == nil {
		results = []models.Location{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   strings.TrimSpace(query),
		"results": results,
	})
}

// ReverseLocation handles GET /locations/reverse. Unresolvable coordinates
// return the generic unknown location rather than an error.
func (h *Handler) ReverseLocation(w http.ResponseWriter, r *http.Request) {
	lat, lon, err := coordinates(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	loc, err := h.locations.LocationFromCoordinates(r.Context(), lat, lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// DeleteLocation handles DELETE /locations/{id}.
func (h *Handler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	if err := h.locations.RemoveLocation(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleFavorite handles POST /locations/{id}/favorite.
func (h *Handler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	loc, err := h.locations.ToggleFavorite(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

// GetSettings handles GET /settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Settings(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// PatchSettings handles PATCH /settings.
func (h *Handler) PatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch models.SettingsPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if patch.Empty() {
		writeError(w, r, http.StatusBadRequest, "EMPTY_PATCH", "no settings fields given")
		return
	}
	s, err := h.settings.Apply(r.Context(), patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.LoggerFrom(r.Context(), h.logger).Info("settings updated",
		zap.Bool("use_celsius", s.UseCelsius),
		zap.String("language", s.LanguageCode),
		zap.String("theme", string(s.Theme)))
	writeJSON(w, http.StatusOK, s)
}

// PurgeCache handles POST /cache/purge by running one expiration sweep.
func (h *Handler) PurgeCache(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, r, http.StatusNotImplemented, "SWEEP_UNAVAILABLE", "cache sweeping is not configured")
		return
	}
	deleted, err := h.sweeper.SweepOnce(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.reason == "api_key_invalid" {
		checks["weatherApi"] = "unhealthy"
	}
	version := "dev"
	if hc := h.healthConfig; hc != nil {
		if hc.StorePing != nil {
			checks["store"] = pingStatus(hc.StorePing(r.Context()))
		}
		if hc.CachePing != nil {
			checks["cache"] = pingStatus(hc.CachePing(r.Context()))
		}
		if hc.BreakerState != nil {
			state := hc.BreakerState()
			checks["circuitBreaker"] = state
			if state == "open" {
				checks["weatherApi"] = "unhealthy"
			}
		}
		if hc.Version != "" {
			version = hc.Version
		}
	}
	resp := map[string]any{
		"status":    result.status,
		"service":   "weather-companion",
		"version":   version,
		"checks":    checks,
		"uptime":    lifecycle.Uptime().Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

func pingStatus(err error) string {
	if err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > API key invalid > store unreachable > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if h.apiKey != nil {
		if err := h.apiKey.ValidateAPIKey(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
		}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.StorePing != nil {
		if err := h.healthConfig.StorePing(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "store_unreachable"}
		}
	}
	switch traffic.Assess(h.healthConfig.Thresholds) {
	case traffic.ConditionOverloaded:
		return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
	case traffic.ConditionDegraded:
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// decodeBody decodes a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be valid JSON: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}

// apiError is the HTTP rendering of a service error.
type apiError struct {
	status  int
	code    string
	message string
}

// classifyError maps service, validation and upstream errors to a response.
// Upstream failures are anything the client categorizes; the rest is internal.
func classifyError(err error) apiError {
	switch {
	case errors.Is(err, validation.ErrInvalidCoordinates):
		return apiError{http.StatusBadRequest, "INVALID_COORDINATES", err.Error()}
	case errors.Is(err, validation.ErrQueryEmpty), errors.Is(err, validation.ErrQueryTooShort),
		errors.Is(err, validation.ErrQueryTooLong), errors.Is(err, validation.ErrQueryInvalidChars):
		return apiError{http.StatusBadRequest, "INVALID_QUERY", err.Error()}
	case errors.Is(err, validation.ErrInvalidLanguage):
		return apiError{http.StatusBadRequest, "INVALID_LANGUAGE", err.Error()}
	case errors.Is(err, models.ErrInvalidLocation):
		return apiError{http.StatusBadRequest, "INVALID_LOCATION", err.Error()}
	case errors.Is(err, service.ErrNoResults):
		return apiError{http.StatusNotFound, "NO_RESULTS", "No locations matched the query"}
	case errors.Is(err, service.ErrNotFound), errors.Is(err, client.ErrNotFound):
		return apiError{http.StatusNotFound, "NOT_FOUND", "Resource not found"}
	case errors.Is(err, models.ErrImplausibleWeather):
		return apiError{http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"}
	}
	if client.CategorizeError(err) != client.ErrorCategoryUnknown {
		return apiError{http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"}
	}
	return apiError{http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error"}
}

// writeServiceError writes the classified error. Server-side failures are logged at
// WARN, client mistakes at DEBUG.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	e := classifyError(err)
	logger := observability.LoggerFrom(r.Context(), zap.NewNop())
	if e.status >= http.StatusInternalServerError {
		logger.Warn("request failed", zap.String("code", e.code), zap.Error(err))
	} else {
		logger.Debug("request rejected", zap.String("code", e.code), zap.Error(err))
	}
	writeError(w, r, e.status, e.code, e.message)
}
