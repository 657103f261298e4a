package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-companion/internal/client"
	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/store"
	"github.com/kjstillabower/weather-companion/internal/validation"
)

var (
	// ErrNotFound is returned when a saved location or a reverse-geocoded place does not exist.
	ErrNotFound = store.ErrNotFound
	// ErrNoResults is returned when a search that must pick a result finds none.
	ErrNoResults = errors.New("no locations match the query")
)

// DefaultMaxQueryLength bounds search queries when no limit is configured.
const DefaultMaxQueryLength = 100

// LocationStore is the persistence LocationService needs. store.Store implements it.
type LocationStore interface {
	ListLocations(ctx context.Context) ([]models.Location, error)
	GetLocation(ctx context.Context, id string) (models.Location, error)
	SaveLocation(ctx context.Context, loc models.Location) error
	DeleteLocation(ctx context.Context, id string) error
}

// LocationService manages saved locations and geocoding lookups.
type LocationService struct {
	store          LocationStore
	geocoder       client.Geocoder
	maxQueryLength int
	logger         *zap.Logger
	now            func() time.Time
}

// NewLocationService creates a LocationService. maxQueryLength <= 0 uses DefaultMaxQueryLength.
func NewLocationService(st LocationStore, geocoder client.Geocoder, maxQueryLength int, logger *zap.Logger) *LocationService {
	if maxQueryLength <= 0 {
		maxQueryLength = DefaultMaxQueryLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocationService{
		store:          st,
		geocoder:       geocoder,
		maxQueryLength: maxQueryLength,
		logger:         logger,
		now:            time.Now,
	}
}

// SavedLocations returns every saved location, most recent first.
// It implements cache.LocationLister.
func (s *LocationService) SavedLocations(ctx context.Context) ([]models.Location, error) {
	locs, err := s.store.ListLocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	return locs, nil
}

// SaveLocation validates and stores loc. A missing ID is derived from the
// coordinates and a zero timestamp becomes now.
func (s *LocationService) SaveLocation(ctx context.Context, loc models.Location) (models.Location, error) {
	ts := loc.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	valid, err := models.NewLocation(loc.ID, loc.Name, loc.Country, loc.Latitude, loc.Longitude, ts, loc.IsFavorite)
	if err != nil {
		return models.Location{}, err
	}
	if err := s.store.SaveLocation(ctx, valid); err != nil {
		return models.Location{}, fmt.Errorf("save location %s: %w", valid.ID, err)
	}
	s.logger.Debug("location saved", zap.String("id", valid.ID), zap.String("name", valid.DisplayName()))
	return valid, nil
}

// RemoveLocation deletes a saved location. Returns ErrNotFound when absent.
func (s *LocationService) RemoveLocation(ctx context.Context, id string) error {
	if err := s.store.DeleteLocation(ctx, id); err != nil {
		return fmt.Errorf("remove location %s: %w", id, err)
	}
	s.logger.Debug("location removed", zap.String("id", id))
	return nil
}

// SearchLocations geocodes a free-text query.
func (s *LocationService) SearchLocations(ctx context.Context, query string) ([]models.Location, error) {
	q, err := validation.ValidateQuery(query, s.maxQueryLength)
	if err != nil {
		return nil, err
	}
	locs, err := s.geocoder.SearchLocations(ctx, q, client.DefaultSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}
	return locs, nil
}

// LocationByCoordinates reverse geocodes a coordinate pair.
// Returns ErrNotFound when the provider knows no place there.
func (s *LocationService) LocationByCoordinates(ctx context.Context, lat, lon float64) (models.Location, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return models.Location{}, err
	}
	locs, err := s.geocoder.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return models.Location{}, fmt.Errorf("reverse geocode: %w", err)
	}
	if len(locs) == 0 {
		return models.Location{}, fmt.Errorf("reverse geocode %s: %w", models.LocationID(lat, lon), ErrNotFound)
	}
	return locs[0], nil
}

// LocationFromCoordinates is LocationByCoordinates with a generic fallback:
// any lookup failure yields models.UnknownLocation. Only invalid coordinates error.
func (s *LocationService) LocationFromCoordinates(ctx context.Context, lat, lon float64) (models.Location, error) {
	if err := validation.ValidateCoordinates(lat, lon); err != nil {
		return models.Location{}, err
	}
	loc, err := s.LocationByCoordinates(ctx, lat, lon)
	if err != nil {
		s.logger.Debug("reverse geocode failed, using fallback location",
			zap.String("id", models.LocationID(lat, lon)), zap.Error(err))
		return models.UnknownLocation(lat, lon), nil
	}
	return loc, nil
}

// ToggleFavorite flips the favorite flag of a saved location and returns it.
func (s *LocationService) ToggleFavorite(ctx context.Context, id string) (models.Location, error) {
	loc, err := s.store.GetLocation(ctx, id)
	if err != nil {
		return models.Location{}, fmt.Errorf("toggle favorite %s: %w", id, err)
	}
	loc.IsFavorite = !loc.IsFavorite
	if err := s.store.SaveLocation(ctx, loc); err != nil {
		return models.Location{}, fmt.Errorf("toggle favorite %s: %w", id, err)
	}
	s.logger.Debug("favorite toggled", zap.String("id", id), zap.Bool("favorite", loc.IsFavorite))
	return loc, nil
}

// AddLocationByQuery saves the first search result for query.
func (s *LocationService) AddLocationByQuery(ctx context.Context, query string) (models.Location, error) {
	results, err := s.SearchLocations(ctx, query)
	if err != nil {
		return models.Location{}, err
	}
	if len(results) == 0 {
		return models.Location{}, fmt.Errorf("%w: %q", ErrNoResults, query)
	}
	first := results[0]
	first.Timestamp = s.now()
	return s.SaveLocation(ctx, first)
}
