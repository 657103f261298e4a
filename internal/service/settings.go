package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-companion/internal/models"
	"github.com/kjstillabower/weather-companion/internal/store"
	"github.com/kjstillabower/weather-companion/internal/validation"
)

// SettingsStore is the persistence SettingsService needs. store.Store implements it.
type SettingsStore interface {
	GetSettings(ctx context.Context) (models.Settings, bool, error)
	InsertSettings(ctx context.Context, s models.Settings) error
	UpdateSettings(ctx context.Context, fn func(models.Settings) models.Settings) (models.Settings, error)
}

// SettingsService reads and updates the single preferences row.
type SettingsService struct {
	// mu serializes the create-then-update sequence so two first writes
	// cannot both insert defaults over each other.
	mu     sync.Mutex
	store  SettingsStore
	logger *zap.Logger
}

// NewSettingsService creates a SettingsService.
func NewSettingsService(st SettingsStore, logger *zap.Logger) *SettingsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsService{store: st, logger: logger}
}

// Settings returns the stored row, or defaults when none has been written.
func (s *SettingsService) Settings(ctx context.Context) (models.Settings, error) {
	settings, ok, err := s.store.GetSettings(ctx)
	if err != nil {
		return models.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if !ok {
		return models.DefaultSettings(), nil
	}
	return settings, nil
}

func (s *SettingsService) UpdateTemperatureUnit(ctx context.Context, useCelsius bool) (models.Settings, error) {
	return s.Apply(ctx, models.SettingsPatch{UseCelsius: &useCelsius})
}

func (s *SettingsService) UpdateDarkMode(ctx context.Context, dark bool) (models.Settings, error) {
	return s.Apply(ctx, models.SettingsPatch{IsDarkMode: &dark})
}

func (s *SettingsService) UpdateNotifications(ctx context.Context, show bool) (models.Settings, error) {
	return s.Apply(ctx, models.SettingsPatch{ShowNotifications: &show})
}

// UpdateLanguage stores a normalized provider language code.
func (s *SettingsService) UpdateLanguage(ctx context.Context, code string) (models.Settings, error) {
	return s.Apply(ctx, models.SettingsPatch{LanguageCode: &code})
}

func (s *SettingsService) UpdateTheme(ctx context.Context, theme models.Theme) (models.Settings, error) {
	t := string(theme)
	return s.Apply(ctx, models.SettingsPatch{Theme: &t})
}

// Apply writes every non-nil field of patch in one update and returns the result.
// The row is created with defaults first if it does not exist.
func (s *SettingsService) Apply(ctx context.Context, patch models.SettingsPatch) (models.Settings, error) {
	if patch.LanguageCode != nil {
		code, err := validation.ValidateLanguageCode(*patch.LanguageCode)
		if err != nil {
			return models.Settings{}, err
		}
		patch.LanguageCode = &code
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.store.UpdateSettings(ctx, patch.ApplyTo)
	if errors.Is(err, store.ErrNotFound) {
		if err := s.store.InsertSettings(ctx, models.DefaultSettings()); err != nil {
			return models.Settings{}, fmt.Errorf("create settings: %w", err)
		}
		s.logger.Debug("settings row created with defaults")
		updated, err = s.store.UpdateSettings(ctx, patch.ApplyTo)
	}
	if err != nil {
		return models.Settings{}, fmt.Errorf("update settings: %w", err)
	}
	s.logger.Debug("settings updated", zap.Any("settings", updated))
	return updated, nil
}
