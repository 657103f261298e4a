package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// MinQueryLength is the shortest search query sent to the geocoder.
const MinQueryLength = 3

var (
	// ErrQueryEmpty is returned when a search query is empty or whitespace-only after trim.
	ErrQueryEmpty = errors.New("search query is required")
	// ErrQueryTooShort is returned when a search query has fewer than MinQueryLength runes.
	ErrQueryTooShort = errors.New("search query too short")
	// ErrQueryTooLong is returned when a search query exceeds the configured maximum.
	ErrQueryTooLong = errors.New("search query too long")
	// ErrQueryInvalidChars is returned when a search query contains disallowed characters.
	ErrQueryInvalidChars = errors.New("search query contains invalid characters")

	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidLanguage    = errors.New("invalid language code")
)

// ValidateQuery trims the input and enforces MinQueryLength..maxLen runes
// (maxLen <= 0 disables the upper bound). Allowed characters are Unicode letters,
// digits, space, comma, hyphen, period and apostrophe.
func ValidateQuery(input string, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrQueryEmpty
	}
	if n < MinQueryLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrQueryTooShort, MinQueryLength)
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrQueryTooLong
	}
	for _, c := range r {
		if !isAllowedQueryRune(c) {
			return "", ErrQueryInvalidChars
		}
	}
	return s, nil
}

func isAllowedQueryRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ValidateCoordinates checks latitude in [-90, 90] and longitude in [-180, 180].
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range [-90, 90]", ErrInvalidCoordinates, lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range [-180, 180]", ErrInvalidCoordinates, lon)
	}
	return nil
}

// ParseCoordinates parses lat/lon query values. When both are empty it returns
// the defaults; supplying only one of them is an error.
func ParseCoordinates(latStr, lonStr string, defLat, defLon float64) (float64, float64, error) {
	latStr, lonStr = strings.TrimSpace(latStr), strings.TrimSpace(lonStr)
	if latStr == "" && lonStr == "" {
		return defLat, defLon, nil
	}
	if latStr == "" || lonStr == "" {
		return 0, 0, fmt.Errorf("%w: lat and lon must be given together", ErrInvalidCoordinates)
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lat %q is not a number", ErrInvalidCoordinates, latStr)
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: lon %q is not a number", ErrInvalidCoordinates, lonStr)
	}
	if err := ValidateCoordinates(lat, lon); err != nil {
		return 0, 0, err
	}
	return lat, lon, nil
}

// ValidateLanguageCode normalizes a provider language code ("es", "en", "zh_cn", "pt-br")
// to lower case and checks its shape.
func ValidateLanguageCode(code string) (string, error) {
	c := strings.ToLower(strings.TrimSpace(code))
	base, region, hasRegion := strings.Cut(c, "_")
	if !hasRegion {
		base, region, hasRegion = strings.Cut(c, "-")
	}
	if len(base) < 2 || len(base) > 3 || !isLower(base) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, code)
	}
	if hasRegion && (len(region) < 2 || len(region) > 4 || !isLower(region)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, code)
	}
	return c, nil
}

func isLower(s string) bool {
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
