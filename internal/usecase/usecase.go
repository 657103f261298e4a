// Package usecase validates caller input and composes repository reads into the
// views the HTTP layer serves.
package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-companion/internal/client"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/observability"
	"github.com/kjstillabower/weather-companion/internal/service"
	"github.com/kjstillabower/weather-companion/internal/validation"
)

// WeatherReader is implemented by service.WeatherService.
type WeatherReader interface {
	CurrentWeather(ctx context.Context, lat, lon float64) (service.Result[models.CurrentWeather], error)
	Forecast(ctx context.Context, lat, lon float64) (service.Result[[]models.DailyForecast], error)
	Alerts(ctx context.Context, lat, lon float64) (service.Result[[]models.WeatherAlert], error)
}

// LocationFinder is implemented by service.LocationService.
type LocationFinder interface {
	SearchLocations(ctx context.Context, query string) ([]models.Location, error)
	LocationFromCoordinates(ctx context.Context, lat, lon float64) (models.Location, error)
}

// UseCases holds the read paths exposed to callers.
type UseCases struct {
	weather   WeatherReader
	locations LocationFinder
	logger    *zap.Logger
}

func New(weather WeatherReader, locations LocationFinder, logger *zap.Logger) *UseCases {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UseCases{weather: weather, locations: locations, logger: logger}
}

// GetCurrentWeather validates the coordinates and reads current conditions.
func (u *UseCases) GetCurrentWeather(ctx context.Context, lat, lon float64) (service.Result[models.CurrentWeather], error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return service.Result[models.CurrentWeather]{}, err
	}
	return u.weather.CurrentWeather(ctx, lat, lon)
}

// GetForecast validates the coordinates and reads the daily forecast.
func (u *UseCases) GetForecast(ctx context.Context, lat, lon float64) (service.Result[[]models.DailyForecast], error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return service.Result[[]models.DailyForecast]{}, err
	}
	return u.weather.Forecast(ctx, lat, lon)
}

// GetAlerts validates the coordinates and reads active alerts.
func (u *UseCases) GetAlerts(ctx context.Context, lat, lon float64) (service.Result[[]models.WeatherAlert], error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return service.Result[[]models.WeatherAlert]{}, err
	}
	return u.weather.Alerts(ctx, lat, lon)
}

// SearchLocations rejects short queries before any I/O.
func (u *UseCases) SearchLocations(ctx context.Context, query string) ([]models.Location, error) {
	logger := observability.LoggerFrom(ctx, u.logger)
	if _, err := validation.ValidateQuery(query, 0); err != nil {
		logger.Debug("search rejected", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	locs, err := u.locations.SearchLocations(ctx, query)
	if err != nil {
		logger.Warn("location search failed", zap.String("query", query), zap.Error(err))
		return nil, err
	}
	logger.Debug("location search", zap.String("query", query), zap.Int("results", len(locs)))
	return locs, nil
}

// GetOverview fetches location, current weather, forecast and alerts
// concurrently. Current weather and forecast are required; an alerts failure
// is reported in Overview.AlertsError.
func (u *UseCases) GetOverview(ctx context.Context, lat, lon float64) (models.Overview, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return models.Overview{}, err
	}
	logger := observability.LoggerFrom(ctx, u.logger)

	var (
		location models.Location
		current  service.Result[models.CurrentWeather]
		forecast service.Result[[]models.DailyForecast]
		alerts   service.Result[[]models.WeatherAlert]
		alertErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		location, err = u.locations.LocationFromCoordinates(gctx, lat, lon)
		return err
	})
	g.Go(func() error {
		var err error
		if current, err = u.weather.CurrentWeather(gctx, lat, lon); err != nil {
			return fmt.Errorf("current weather: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if forecast, err = u.weather.Forecast(gctx, lat, lon); err != nil {
			return fmt.Errorf("forecast: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		alerts, alertErr = u.weather.Alerts(gctx, lat, lon)
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.Overview{}, err
	}

	ov := models.Overview{
		Location: location,
		Current:  current.Data,
		Forecast: forecast.Data,
		Alerts:   alerts.Data,
		Stale:    current.Stale || forecast.Stale || alerts.Stale,
	}
	if alertErr != nil {
		logger.Warn("alerts unavailable for overview", zap.Error(alertErr))
		ov.AlertsError = "alerts unavailable: " + string(client.CategorizeError(alertErr))
	}
	if ov.Alerts == nil {
		ov.Alerts = []models.WeatherAlert{}
	}
	return ov, nil
}
