package usecase

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-companion/internal/client"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/service"
	"github.com/kjstillabower/weather-companion/internal/validation"
)

type mockWeather struct {
	current     models.CurrentWeather
	currentErr  error
	forecast    []models.DailyForecast
	forecastErr error
	alerts      []models.WeatherAlert
	alertsErr   error
	stale       bool
	calls       int
}

func (m *mockWeather) CurrentWeather(ctx context.Context, lat, lon float64) (service.Result[models.CurrentWeather], error) {
	m.calls++
	return service.Result[models.CurrentWeather]{Data: m.current, Stale: m.stale}, m.currentErr
}

func (m *mockWeather) Forecast(ctx context.Context, lat, lon float64) (service.Result[[]models.DailyForecast], error) {
	return service.Result[[]models.DailyForecast]{Data: m.forecast}, m.forecastErr
}

func (m *mockWeather) Alerts(ctx context.Context, lat, lon float64) (service.Result[[]models.WeatherAlert], error) {
	return service.Result[[]models.WeatherAlert]{Data: m.alerts}, m.alertsErr
}

type mockLocations struct {
	search    []models.Location
	searchErr error
	calls     int
}

func (m *mockLocations) SearchLocations(ctx context.Context, query string) ([]models.Location, error) {
	m.calls++
	return m.search, m.searchErr
}

func (m *mockLocations) LocationFromCoordinates(ctx context.Context, lat, lon float64) (models.Location, error) {
	return models.UnknownLocation(lat, lon), nil
}

func TestUseCases_CoordinateValidation(t *testing.T) {
	w := &mockWeather{}
	uc := New(w, &mockLocations{}, nil)
	ctx := context.Background()

	if _, err := uc.GetCurrentWeather(ctx, 91, 0); !errors.Is(err, validation.ErrInvalidCoordinates) {
		t.Errorf("GetCurrentWeather(91, 0) error = %v", err)
	}
	if _, err := uc.GetForecast(ctx, 0, -181); !errors.Is(err, validation.ErrInvalidCoordinates) {
		t.Errorf("GetForecast(0, -181) error = %v", err)
	}
	if _, err := uc.GetAlerts(ctx, -90.5, 0); !errors.Is(err, validation.ErrInvalidCoordinates) {
		t.Errorf("GetAlerts(-90.5, 0) error = %v", err)
	}
	if _, err := uc.GetOverview(ctx, 100, 100); !errors.Is(err, validation.ErrInvalidCoordinates) {
		t.Errorf("GetOverview(100, 100) error = %v", err)
	}
	if w.calls != 0 {
		t.Errorf("weather reads = %d, want 0 for invalid input", w.calls)
	}

	if _, err := uc.GetCurrentWeather(ctx, 90, 180); err != nil {
		t.Errorf("GetCurrentWeather(90, 180) error = %v", err)
	}
}

func TestUseCases_SearchLocations(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	locs := &mockLocations{search: []models.Location{{Name: "Lima"}}}
	uc := New(&mockWeather{}, locs, zap.New(core))

	if _, err := uc.SearchLocations(context.Background(), "Li"); !errors.Is(err, validation.ErrQueryTooShort) {
		t.Errorf("SearchLocations(Li) error = %v, want ErrQueryTooShort", err)
	}
	if locs.calls != 0 {
		t.Error("short query reached the repository")
	}

	got, err := uc.SearchLocations(context.Background(), "Lima")
	if err != nil || len(got) != 1 {
		t.Fatalf("SearchLocations(Lima) = %v, %v", got, err)
	}
	if logs.FilterMessage("location search").Len() != 1 {
		t.Error("expected search outcome to be logged")
	}

	locs.searchErr = client.ErrUpstreamFailure
	if _, err := uc.SearchLocations(context.Background(), "Lima"); !errors.Is(err, client.ErrUpstreamFailure) {
		t.Errorf("SearchLocations() error = %v, want ErrUpstreamFailure", err)
	}
}

func TestUseCases_GetOverview(t *testing.T) {
	base := mockWeather{
		current:  models.CurrentWeather{Temperature: 20, Humidity: 50},
		forecast: []models.DailyForecast{{MaxTemp: 25, MinTemp: 15}},
		alerts:   []models.WeatherAlert{{ID: "1_2", Event: "Fog"}},
	}

	t.Run("all parts", func(t *testing.T) {
		w := base
		ov, err := New(&w, &mockLocations{}, nil).GetOverview(context.Background(), 1, 2)
		if err != nil {
			t.Fatalf("GetOverview() error = %v", err)
		}
		if ov.Location.Name != models.UnknownLocationName || ov.Current.Temperature != 20 ||
			len(ov.Forecast) != 1 || len(ov.Alerts) != 1 || ov.AlertsError != "" || ov.Stale {
			t.Errorf("GetOverview() = %+v", ov)
		}
	})

	t.Run("alerts optional", func(t *testing.T) {
		w := base
		w.alerts = nil
		w.alertsErr = client.ErrInvalidAPIKey
		ov, err := New(&w, &mockLocations{}, nil).GetOverview(context.Background(), 1, 2)
		if err != nil {
			t.Fatalf("GetOverview() error = %v", err)
		}
		if ov.AlertsError != "alerts unavailable: invalid_api_key" {
			t.Errorf("AlertsError = %q", ov.AlertsError)
		}
		if ov.Alerts == nil {
			t.Error("Alerts = nil, want empty slice")
		}
	})

	t.Run("current required", func(t *testing.T) {
		w := base
		w.currentErr = client.ErrUpstreamFailure
		if _, err := New(&w, &mockLocations{}, nil).GetOverview(context.Background(), 1, 2); !errors.Is(err, client.ErrUpstreamFailure) {
			t.Errorf("GetOverview() error = %v, want ErrUpstreamFailure", err)
		}
	})

	t.Run("forecast required", func(t *testing.T) {
		w := base
		w.forecastErr = client.ErrNotFound
		if _, err := New(&w, &mockLocations{}, nil).GetOverview(context.Background(), 1, 2); !errors.Is(err, client.ErrNotFound) {
			t.Errorf("GetOverview() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("stale propagates", func(t *testing.T) {
		w := base
		w.stale = true
		ov, err := New(&w, &mockLocations{}, nil).GetOverview(context.Background(), 1, 2)
		if err != nil || !ov.Stale {
			t.Errorf("GetOverview() stale = %v, err = %v", ov.Stale, err)
		}
	})
}
