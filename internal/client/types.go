package client

import (
	"time"

	"github.com/kjstillabower/weather-companion/internal/models"
)

type weatherDescription struct {
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type currentWeatherResponse struct {
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Weather []weatherDescription `json:"weather"`
	Dt      int64                `json:"dt"`
	Name    string               `json:"name"`
	Sys     struct {
		Country string `json:"country"`
	} `json:"sys"`
}

func (r currentWeatherResponse) toModel() models.CurrentWeather {
	w := models.CurrentWeather{
		Temperature: r.Main.Temp,
		FeelsLike:   r.Main.FeelsLike,
		Humidity:    r.Main.Humidity,
		WindSpeed:   r.Wind.Speed,
		ObservedAt:  time.Unix(r.Dt, 0).UTC(),
		CityName:    r.Name,
		CountryCode: r.Sys.Country,
	}
	if len(r.Weather) > 0 {
		w.Description = r.Weather[0].Description
		w.IconCode = r.Weather[0].Icon
	}
	return w
}

// ForecastItem is one 3-hourly entry of the 5 day forecast, before daily aggregation.
type ForecastItem struct {
	Time        time.Time `json:"time"`
	Temp        float64   `json:"temp"`
	TempMin     float64   `json:"tempMin"`
	TempMax     float64   `json:"tempMax"`
	Humidity    int       `json:"humidity"`
	Description string    `json:"description"`
	IconCode    string    `json:"iconCode"`
}

type forecastResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			Temp     float64 `json:"temp"`
			TempMin  float64 `json:"temp_min"`
			TempMax  float64 `json:"temp_max"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
		Weather []weatherDescription `json:"weather"`
	} `json:"list"`
}

func (r forecastResponse) toItems() []ForecastItem {
	items := make([]ForecastItem, 0, len(r.List))
	for _, e := range r.List {
		item := ForecastItem{
			Time:     time.Unix(e.Dt, 0).UTC(),
			Temp:     e.Main.Temp,
			TempMin:  e.Main.TempMin,
			TempMax:  e.Main.TempMax,
			Humidity: e.Main.Humidity,
		}
		if len(e.Weather) > 0 {
			item.Description = e.Weather[0].Description
			item.IconCode = e.Weather[0].Icon
		}
		items = append(items, item)
	}
	return items
}

type geocodingResult struct {
	Name       string            `json:"name"`
	LocalNames map[string]string `json:"local_names"`
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	Country    string            `json:"country"`
	State      string            `json:"state"`
}

func (g geocodingResult) toModel(now time.Time) (models.Location, error) {
	return models.NewLocation("", g.Name, g.Country, g.Lat, g.Lon, now, false)
}

type oneCallResponse struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Timezone string  `json:"timezone"`
	Alerts   []struct {
		SenderName  string   `json:"sender_name"`
		Event       string   `json:"event"`
		Start       int64    `json:"start"`
		End         int64    `json:"end"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
	} `json:"alerts"`
}

func (r oneCallResponse) toAlerts() []models.WeatherAlert {
	out := make([]models.WeatherAlert, 0, len(r.Alerts))
	for _, a := range r.Alerts {
		start, end := time.Unix(a.Start, 0).UTC(), time.Unix(a.End, 0).UTC()
		out = append(out, models.WeatherAlert{
			ID:          models.AlertID(start, end),
			SenderName:  a.SenderName,
			Event:       a.Event,
			Start:       start,
			End:         end,
			Description: a.Description,
			Severity:    models.SeverityForEvent(a.Event),
		})
	}
	return out
}
