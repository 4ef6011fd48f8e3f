package domain

import (
	"fmt"
	"strconv"
)

// Setting keys persisted in the config table.
const (
	SettingBackoffBase     = "backoff_base"
	SettingDefaultPriority = "default_priority"
	SettingDefaultTimeout  = "default_timeout"
	SettingMaxRetries      = "max_retries"
)

// SettingKeys lists all known keys in display order.
var SettingKeys = []string{
	SettingBackoffBase,
	SettingDefaultPriority,
	SettingDefaultTimeout,
	SettingMaxRetries,
}

// Settings are the live queue-wide defaults. They are read from the store
// at use time, never cached across attempts.
type Settings struct {
	BackoffBase     int
	DefaultPriority int
	DefaultTimeout  int
	MaxRetries      int
}

// DefaultSettings returns the values the store is seeded with.
func DefaultSettings() Settings {
	return Settings{
		BackoffBase:     2,
		DefaultPriority: 0,
		DefaultTimeout:  300,
		MaxRetries:      3,
	}
}

// ValidateSetting checks a key/value pair and returns the parsed integer.
func ValidateSetting(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidConfigValue, key, value)
	}
	switch key {
	case SettingBackoffBase:
		if n < 2 {
			return 0, fmt.Errorf("%w: %s must be >= 2", ErrInvalidConfigValue, key)
		}
	case SettingDefaultPriority:
		// any integer
	case SettingDefaultTimeout:
		if n < 1 {
			return 0, fmt.Errorf("%w: %s must be >= 1", ErrInvalidConfigValue, key)
		}
	case SettingMaxRetries:
		if n < 0 {
			return 0, fmt.Errorf("%w: %s must be >= 0", ErrInvalidConfigValue, key)
		}
	default:
		return 0, fmt.Errorf("%w: unknown key %q", ErrInvalidConfigValue, key)
	}
	return n, nil
}

// Apply sets the field named by key. The value must already be validated.
func (s *Settings) Apply(key string, n int) {
	switch key {
	case SettingBackoffBase:
		s.BackoffBase = n
	case SettingDefaultPriority:
		s.DefaultPriority = n
	case SettingDefaultTimeout:
		s.DefaultTimeout = n
	case SettingMaxRetries:
		s.MaxRetries = n
	}
}

// Value returns the field named by key as a string, for config listings.
func (s Settings) Value(key string) string {
	switch key {
	case SettingBackoffBase:
		return strconv.Itoa(s.BackoffBase)
	case SettingDefaultPriority:
		return strconv.Itoa(s.DefaultPriority)
	case SettingDefaultTimeout:
		return strconv.Itoa(s.DefaultTimeout)
	case SettingMaxRetries:
		return strconv.Itoa(s.MaxRetries)
	}
	return ""
}
