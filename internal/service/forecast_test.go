package service

import (
	"testing"
	"time"

	"github.com/kjstillabower/weather-companion/internal/client"
)

func TestAggregateForecast(t *testing.T) {
	d1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	items := []client.ForecastItem{
		{Time: d1.Add(9 * time.Hour), Temp: 10, Humidity: 61, Description: "nubes", IconCode: "03d"},
		{Time: d1.Add(12 * time.Hour), Temp: 14, Humidity: 62, Description: "sol", IconCode: "01d"},
		{Time: d1.Add(15 * time.Hour), Temp: 8, Humidity: 62},
		{Time: d2.Add(0 * time.Hour), Temp: 5, Humidity: 100, Description: "lluvia", IconCode: "10n"},
	}

	days := AggregateForecast(items)
	if len(days) != 2 {
		t.Fatalf("AggregateForecast() = %d days, want 2", len(days))
	}

	first := days[0]
	if !first.Date.Equal(d1.Add(9 * time.Hour)) {
		t.Errorf("Date = %v, want first item time", first.Date)
	}
	if first.MaxTemp != 14 || first.MinTemp != 8 {
		t.Errorf("max/min = %v/%v, want 14/8", first.MaxTemp, first.MinTemp)
	}
	if first.Humidity != 61 {
		t.Errorf("Humidity = %d, want 61 (truncated mean of 61,62,62)", first.Humidity)
	}
	if first.Description != "nubes" || first.IconCode != "03d" {
		t.Errorf("description/icon = %q/%q, want first item's", first.Description, first.IconCode)
	}
	if first.PrecipitationChance != 25 {
		t.Errorf("PrecipitationChance = %d, want 25", first.PrecipitationChance)
	}
	if days[1].PrecipitationChance != 75 || days[1].Humidity != 100 {
		t.Errorf("day 2 = %+v", days[1])
	}
}

func TestAggregateForecast_PreservesFirstAppearanceOrder(t *testing.T) {
	d1 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	items := []client.ForecastItem{
		{Time: d2, Temp: 2},
		{Time: d1, Temp: 1},
		{Time: d2.Add(time.Hour), Temp: 3},
	}
	days := AggregateForecast(items)
	if len(days) != 2 || days[0].MaxTemp != 3 || days[1].MaxTemp != 1 {
		t.Errorf("AggregateForecast() = %+v, want day 2 then day 1", days)
	}
}

func TestAggregateForecast_Empty(t *testing.T) {
	if days := AggregateForecast(nil); len(days) != 0 {
		t.Errorf("AggregateForecast(nil) = %v, want empty", days)
	}
}

func TestPrecipitationChance(t *testing.T) {
	tests := []struct {
		humidity float64
		want     int
	}{
		{100, 75}, {80.5, 75}, {80, 50}, {71, 50}, {70, 25}, {60.1, 25}, {60, 0}, {0, 0},
	}
	for _, tt := range tests {
		if got := precipitationChance(tt.humidity); got != tt.want {
			t.Errorf("precipitationChance(%v) = %d, want %d", tt.humidity, got, tt.want)
		}
	}
}
