package utils

import (
	"fmt"
	"math"
	"time"
)

// Look-back windows are bounded to one day.
const (
	DefaultWindowMinutes = 30
	MaxWindowMinutes     = 24 * 60
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ISO formats t in UTC as RFC3339 with sub-second precision.
func ISO(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ClampWindow truncates minutes to whole minutes and returns fallback when the
// result falls outside 1..MaxWindowMinutes.
func ClampWindow(minutes float64, fallback int) int {
	if math.IsNaN(minutes) || minutes < 1 || minutes >= MaxWindowMinutes+1 {
		return fallback
	}
	return int(minutes)
}

// Window returns the ISO bounds of the last windowMinutes ending at now. Out of
// range windows use DefaultWindowMinutes.
func Window(now time.Time, windowMinutes int) (start, end string) {
	if windowMinutes < 1 || windowMinutes > MaxWindowMinutes {
		windowMinutes = DefaultWindowMinutes
	}
	return ISO(now.Add(-time.Duration(windowMinutes) * time.Minute)), ISO(now)
}
