package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDuration reads a Go duration string at key. Blank is 0; negative
// values are rejected.
func ParseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	switch d, err := time.ParseDuration(raw); {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration", key, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", key, raw)
	default:
		return d, nil
	}
}

// ParseDurationOr substitutes def when raw is blank or zero.
func ParseDurationOr(key, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDuration(key, raw)
	if err == nil && d == 0 {
		d = def
	}
	return d, err
}
