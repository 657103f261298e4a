package models

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidLocation is returned when a location fails construction checks.
var ErrInvalidLocation = errors.New("invalid location")

// Location is a named place a user can save and query weather for.
type Location struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Country    string    `json:"country"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Timestamp  time.Time `json:"timestamp"`
	IsFavorite bool      `json:"isFavorite"`
}

// DefaultLocation is used when a request carries no coordinates.
var DefaultLocation = Location{
	ID:        "default",
	Name:      "Asunción",
	Country:   "PY",
	Latitude:  -25.2867,
	Longitude: -57.3333,
}

// UnknownLocationName labels the fallback location when reverse geocoding fails.
const UnknownLocationName = "Unknown location"

// NewLocation builds a validated Location. An empty id is derived from the coordinates
// and a zero timestamp is set to now.
func NewLocation(id, name, country string, lat, lon float64, ts time.Time, favorite bool) (Location, error) {
	loc := Location{
		ID:         id,
		Name:       strings.TrimSpace(name),
		Country:    strings.TrimSpace(country),
		Latitude:   lat,
		Longitude:  lon,
		Timestamp:  ts,
		IsFavorite: favorite,
	}
	if loc.ID == "" {
		loc.ID = LocationID(lat, lon)
	}
	if loc.Timestamp.IsZero() {
		loc.Timestamp = time.Now()
	}
	if err := loc.Validate(); err != nil {
		return Location{}, err
	}
	return loc, nil
}

// Validate checks the name and coordinate ranges.
func (l Location) Validate() error {
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("%w: name must not be blank", ErrInvalidLocation)
	}
	if l.Latitude < -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidLocation, l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidLocation, l.Longitude)
	}
	return nil
}

// DisplayName returns "Name, Country", or just the name when country is unknown.
func (l Location) DisplayName() string {
	if l.Country == "" {
		return l.Name
	}
	return l.Name + ", " + l.Country
}

// LocationID derives a stable identifier from a coordinate pair.
func LocationID(lat, lon float64) string {
	return FormatCoordinate(lat) + "_" + FormatCoordinate(lon)
}

// FormatCoordinate renders a coordinate with the shortest exact decimal form.
func FormatCoordinate(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// UnknownLocation is the placeholder returned when no place name can be resolved.
func UnknownLocation(lat, lon float64) Location {
	return Location{
		ID:        LocationID(lat, lon),
		Name:      UnknownLocationName,
		Latitude:  lat,
		Longitude: lon,
		Timestamp: time.Now(),
	}
}

// SortForDisplay orders favorites first, then by case-insensitive name.
func SortForDisplay(locs []Location) []Location {
	out := make([]Location, len(locs))
	copy(out, locs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsFavorite != out[j].IsFavorite {
			return out[i].IsFavorite
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}
