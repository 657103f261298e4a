package models

import "strings"

// Theme is the UI colour scheme preference.
type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

// ParseTheme maps a stored value to a Theme. Unknown values fall back to system.
func ParseTheme(s string) Theme {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dark":
		return ThemeDark
	case "light":
		return ThemeLight
	default:
		return ThemeSystem
	}
}

// Settings is the single persisted preferences row.
type Settings struct {
	UseCelsius        bool   `json:"useCelsius"`
	IsDarkMode        bool   `json:"isDarkMode"`
	ShowNotifications bool   `json:"showNotifications"`
	LanguageCode      string `json:"languageCode"`
	Theme             Theme  `json:"theme"`
}

// DefaultLanguage is the language code stored when settings are first created.
const DefaultLanguage = "es"

// DefaultSettings returns the values written on first access.
func DefaultSettings() Settings {
	return Settings{
		UseCelsius:        true,
		IsDarkMode:        false,
		ShowNotifications: true,
		LanguageCode:      DefaultLanguage,
		Theme:             ThemeSystem,
	}
}

// SettingsPatch carries optional updates; nil fields are left unchanged.
type SettingsPatch struct {
	UseCelsius        *bool   `json:"useCelsius,omitempty"`
	IsDarkMode        *bool   `json:"isDarkMode,omitempty"`
	ShowNotifications *bool   `json:"showNotifications,omitempty"`
	LanguageCode      *string `json:"languageCode,omitempty"`
	Theme             *string `json:"theme,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p.UseCelsius == nil && p.IsDarkMode == nil && p.ShowNotifications == nil &&
		p.LanguageCode == nil && p.Theme == nil
}

// ApplyTo returns s with the patch applied.
func (p SettingsPatch) ApplyTo(s Settings) Settings {
	if p.UseCelsius != nil {
		s.UseCelsius = *p.UseCelsius
	}
	if p.IsDarkMode != nil {
		s.IsDarkMode = *p.IsDarkMode
	}
	if p.ShowNotifications != nil {
		s.ShowNotifications = *p.ShowNotifications
	}
	if p.LanguageCode != nil {
		s.LanguageCode = *p.LanguageCode
	}
	if p.Theme != nil {
		s.Theme = ParseTheme(*p.Theme)
	}
	return s
}
