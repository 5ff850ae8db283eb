package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-valued config field ("500ms", "5m").
// Empty means unset and parses to zero; negative values are rejected so
// callers can treat zero as "disabled" without an extra guard.
func ParseDurationField(field, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("%s: bad duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def when the field is unset.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
