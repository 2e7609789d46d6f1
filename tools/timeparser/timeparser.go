package timeparser

import (
	"fmt"
	"time"
)

// ParseQueryTime parses a time bound from a query string. Values without a
// zone are read as UTC.
func ParseQueryTime(value string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,      // 2025-12-29T10:30:45.123Z
		"2006-01-02 15:04:05", // YYYY-MM-DD HH:mm:ss
		"2006-01-02",          // YYYY-MM-DD
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", value, lastErr)
}

// ParseOptional parses value when present and returns nil for an empty string
func ParseOptional(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := ParseQueryTime(value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
