// Package testhelpers provides hermetic stand-ins for the upstream provider and
// the local store, shared by package tests that exercise the full stack.
package testhelpers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/weather-companion/internal/client"
)

// FakeAPIKey is the only key FakeOpenWeather accepts.
const FakeAPIKey = "test-api-key-0123456789"

// ForecastStart is the timestamp of the first forecast entry served.
var ForecastStart = time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)

// Madrid is the single place known to the fake geocoder.
var Madrid = struct {
	Name     string
	Country  string
	Lat, Lon float64
}{"Madrid", "ES", 40.4168, -3.7038}

// FakeOpenWeather serves canned OpenWeatherMap responses under /data/2.5 and /geo/1.0.
type FakeOpenWeather struct {
	Server *httptest.Server

	mu         sync.Mutex
	calls      map[string]int
	failStatus int
	temp       float64
}

// NewFakeOpenWeather starts the fake and closes it when the test ends.
func NewFakeOpenWeather(t *testing.T) *FakeOpenWeather {
	t.Helper()
	f := &FakeOpenWeather{calls: make(map[string]int), temp: 18.5}
	mux := http.NewServeMux()
	mux.HandleFunc("/data/2.5/weather", f.guard(f.current))
	mux.HandleFunc("/data/2.5/forecast", f.guard(f.forecast))
	mux.HandleFunc("/data/2.5/onecall", f.guard(f.onecall))
	mux.HandleFunc("/geo/1.0/direct", f.guard(f.direct))
	mux.HandleFunc("/geo/1.0/reverse", f.guard(f.reverse))
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// Client returns an OpenWeatherClient pointed at the fake with short retry delays.
func (f *FakeOpenWeather) Client(t *testing.T) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(client.Config{
		APIKey:         FakeAPIKey,
		WeatherURL:     f.Server.URL + "/data/2.5",
		GeoURL:         f.Server.URL + "/geo/1.0",
		Language:       "es",
		Units:          "metric",
		Timeout:        2 * time.Second,
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// Fail makes every weather and geocoding call answer with status; 0 restores normal replies.
func (f *FakeOpenWeather) Fail(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStatus = status
}

// SetTemperature changes the temperature reported by /weather.
func (f *FakeOpenWeather) SetTemperature(c float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.temp = c
}

// Calls returns how many requests reached path, e.g. "/data/2.5/weather".
func (f *FakeOpenWeather) Calls(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *FakeOpenWeather) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		status := f.failStatus
		f.mu.Unlock()

		if r.URL.Query().Get("appid") != FakeAPIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"cod": 401, "message": "Invalid API key"})
			return
		}
		if status != 0 {
			writeJSON(w, status, map[string]any{"cod": status, "message": "simulated failure"})
			return
		}
		next(w, r)
	}
}

func (f *FakeOpenWeather) current(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	temp := f.temp
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"main":    map[string]any{"temp": temp, "feels_like": temp - 1, "humidity": 55},
		"wind":    map[string]any{"speed": 3.2},
		"weather": []map[string]any{{"description": "cielo claro", "icon": "01d"}},
		"dt":      ForecastStart.Unix(),
		"name":    Madrid.Name,
		"sys":     map[string]any{"country": Madrid.Country},
	})
}

// forecast serves two days of 3-hourly entries: a humid first day and a dry second day.
func (f *FakeOpenWeather) forecast(w http.ResponseWriter, r *http.Request) {
	list := make([]map[string]any, 0, 16)
	for i := 0; i < 16; i++ {
		humidity := 85
		if i >= 8 {
			humidity = 40
		}
		list = append(list, map[string]any{
			"dt":      ForecastStart.Add(time.Duration(i) * 3 * time.Hour).Unix(),
			"main":    map[string]any{"temp": 10 + float64(i), "temp_min": 9, "temp_max": 26, "humidity": humidity},
			"weather": []map[string]any{{"description": "nubes", "icon": "03d"}},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cnt": len(list), "list": list})
}

func (f *FakeOpenWeather) onecall(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"lat":      Madrid.Lat,
		"lon":      Madrid.Lon,
		"timezone": "Europe/Madrid",
		"alerts": []map[string]any{{
			"sender_name": "AEMET",
			"event":       "Severe thunderstorm warning",
			"start":       ForecastStart.Unix(),
			"end":         ForecastStart.Add(6 * time.Hour).Unix(),
			"description": "Tormentas fuertes",
		}},
	})
}

func (f *FakeOpenWeather) direct(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(strings.ToLower(r.URL.Query().Get("q")), "madrid") {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, []map[string]any{madridResult()})
}

// reverse knows Madrid only; any other coordinate pair resolves to nothing.
func (f *FakeOpenWeather) reverse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("lat") == "40.4168" && q.Get("lon") == "-3.7038" {
		writeJSON(w, http.StatusOK, []map[string]any{madridResult()})
		return
	}
	writeJSON(w, http.StatusOK, []any{})
}

func madridResult() map[string]any {
	return map[string]any{
		"name":    Madrid.Name,
		"lat":     Madrid.Lat,
		"lon":     Madrid.Lon,
		"country": Madrid.Country,
		"state":   "Community of Madrid",
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
