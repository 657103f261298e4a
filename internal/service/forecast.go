package service

import (
	"github.com/kjstillabower/weather-companion/internal/client"
	"github.com/kjstillabower/weather-companion/internal/models"
)

const secondsPerDay = 86400

// AggregateForecast groups 3-hourly items by UTC day in order of first
// appearance and reduces each group to a DailyForecast.
func AggregateForecast(items []client.ForecastItem) []models.DailyForecast {
	var order []int64
	groups := make(map[int64][]client.ForecastItem)
	for _, it := range items {
		day := it.Time.Unix() / secondsPerDay
		if _, seen := groups[day]; !seen {
			order = append(order, day)
		}
		groups[day] = append(groups[day], it)
	}

	days := make([]models.DailyForecast, 0, len(order))
	for _, day := range order {
		days = append(days, summarizeDay(groups[day]))
	}
	return days
}

func summarizeDay(items []client.ForecastItem) models.DailyForecast {
	first := items[0]
	maxTemp, minTemp := first.Temp, first.Temp
	humiditySum := 0
	for _, it := range items {
		if it.Temp > maxTemp {
			maxTemp = it.Temp
		}
		if it.Temp < minTemp {
			minTemp = it.Temp
		}
		humiditySum += it.Humidity
	}
	meanHumidity := float64(humiditySum) / float64(len(items))
	return models.DailyForecast{
		Date:                first.Time,
		MaxTemp:             maxTemp,
		MinTemp:             minTemp,
		Humidity:            int(meanHumidity),
		Description:         first.Description,
		IconCode:            first.IconCode,
		PrecipitationChance: precipitationChance(meanHumidity),
	}
}

// precipitationChance estimates rain probability from the untruncated mean humidity.
func precipitationChance(humidity float64) int {
	switch {
	case humidity > 80:
		return 75
	case humidity > 70:
		return 50
	case humidity > 60:
		return 25
	default:
		return 0
	}
}
