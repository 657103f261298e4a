//go:build integration
// +build integration

package client

import (
	"context"
	"os"
	"testing"
	"time"
)

func newLiveClient(t *testing.T) *OpenWeatherClient {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	c, err := NewOpenWeatherClient(Config{
		APIKey:     apiKey,
		WeatherURL: "https://api.openweathermap.org/data/2.5",
		GeoURL:     "https://api.openweathermap.org/geo/1.0",
		Language:   "en",
		Timeout:    5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

func TestOpenWeatherClient_ValidateAPIKey_Integration(t *testing.T) {
	if err := newLiveClient(t).ValidateAPIKey(context.Background()); err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
}

func TestOpenWeatherClient_SearchAndWeather_Integration(t *testing.T) {
	c := newLiveClient(t)
	ctx := context.Background()
	locs, err := c.SearchLocations(ctx, "Asuncion", 5)
	if err != nil {
		t.Fatalf("SearchLocations() error = %v", err)
	}
	if len(locs) == 0 {
		t.Fatal("SearchLocations() returned no results")
	}
	w, err := c.GetCurrentWeather(ctx, locs[0].Latitude, locs[0].Longitude)
	if err != nil {
		t.Fatalf("GetCurrentWeather() error = %v", err)
	}
	if err := w.Validate(); err != nil {
		t.Errorf("live weather failed validation: %v", err)
	}
	items, err := c.GetForecast(ctx, locs[0].Latitude, locs[0].Longitude)
	if err != nil {
		t.Fatalf("GetForecast() error = %v", err)
	}
	if len(items) == 0 {
		t.Error("GetForecast() returned no items")
	}
}
