package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrImplausibleWeather is returned when upstream values are physically impossible.
var ErrImplausibleWeather = errors.New("implausible weather data")

// AbsoluteZeroCelsius is the lowest temperature accepted from upstream.
const AbsoluteZeroCelsius = -273.15

// CurrentWeather holds present conditions for a coordinate pair. Temperatures are Celsius.
type CurrentWeather struct {
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feelsLike"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"windSpeed"`
	Description string    `json:"description"`
	IconCode    string    `json:"iconCode"`
	ObservedAt  time.Time `json:"observedAt"`
	CityName    string    `json:"cityName,omitempty"`
	CountryCode string    `json:"countryCode,omitempty"`
}

// Validate enforces physical plausibility.
func (w CurrentWeather) Validate() error {
	if w.Temperature < AbsoluteZeroCelsius {
		return fmt.Errorf("%w: temperature %v below absolute zero", ErrImplausibleWeather, w.Temperature)
	}
	if w.Humidity < 0 || w.Humidity > 100 {
		return fmt.Errorf("%w: humidity %d outside 0-100", ErrImplausibleWeather, w.Humidity)
	}
	if w.WindSpeed < 0 {
		return fmt.Errorf("%w: negative wind speed %v", ErrImplausibleWeather, w.WindSpeed)
	}
	return nil
}

// FormatTemperature renders the temperature in the preferred unit, truncated to an integer.
func (w CurrentWeather) FormatTemperature(useCelsius bool) string {
	return FormatTemperature(w.Temperature, useCelsius)
}

// FormatTemperature renders a Celsius value as "15°C" or "59°F".
func FormatTemperature(celsius float64, useCelsius bool) string {
	if useCelsius {
		return strconv.Itoa(int(celsius)) + "°C"
	}
	return strconv.Itoa(int(celsius*9/5+32)) + "°F"
}

// DailyForecast is one calendar day aggregated from 3-hourly entries.
type DailyForecast struct {
	Date                time.Time `json:"date"`
	MaxTemp             float64   `json:"maxTemp"`
	MinTemp             float64   `json:"minTemp"`
	Humidity            int       `json:"humidity"`
	Description         string    `json:"description"`
	IconCode            string    `json:"iconCode"`
	PrecipitationChance int       `json:"precipitationChance"`
}

// Validate enforces ordering of extremes and percentage ranges.
func (f DailyForecast) Validate() error {
	if f.MaxTemp < f.MinTemp {
		return fmt.Errorf("%w: max temperature %v below min %v", ErrImplausibleWeather, f.MaxTemp, f.MinTemp)
	}
	if f.Humidity < 0 || f.Humidity > 100 {
		return fmt.Errorf("%w: humidity %d outside 0-100", ErrImplausibleWeather, f.Humidity)
	}
	if f.PrecipitationChance < 0 || f.PrecipitationChance > 100 {
		return fmt.Errorf("%w: precipitation chance %d outside 0-100", ErrImplausibleWeather, f.PrecipitationChance)
	}
	return nil
}

// Severity grades a weather alert.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityMedium  Severity = "medium"
	SeverityHigh    Severity = "high"
	SeverityExtreme Severity = "extreme"
)

// SeverityForEvent derives a severity from keywords in the event name.
func SeverityForEvent(event string) Severity {
	e := strings.ToLower(event)
	switch {
	case strings.Contains(e, "extreme"):
		return SeverityExtreme
	case strings.Contains(e, "severe"):
		return SeverityHigh
	case strings.Contains(e, "moderate"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// WeatherAlert is an active severe-weather warning.
type WeatherAlert struct {
	ID          string    `json:"id"`
	SenderName  string    `json:"senderName"`
	Event       string    `json:"event"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
}

// AlertID builds the identifier from the alert window.
func AlertID(start, end time.Time) string {
	return strconv.FormatInt(start.Unix(), 10) + "_" + strconv.FormatInt(end.Unix(), 10)
}

// Overview is the combined read model for one coordinate pair.
type Overview struct {
	Location    Location        `json:"location"`
	Current     CurrentWeather  `json:"current"`
	Forecast    []DailyForecast `json:"forecast"`
	Alerts      []WeatherAlert  `json:"alerts"`
	AlertsError string          `json:"alertsError,omitempty"`
	Stale       bool            `json:"stale,omitempty"`
}
