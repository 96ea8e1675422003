package control

import (
	"errors"
	"strings"
	"time"
)

// Error classes reported to the breaker.
const (
	ClassCommandSource = "command_source_api"
	ClassDB            = "db"
	ClassUnknown       = "unknown"
)

// Backoff computes exponential backoff for the given consecutive failure
// count, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 16 {
		return max
	}
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Classify maps a poll-loop error to a breaker error class.
func Classify(err error) string {
	if err == nil {
		return ClassUnknown
	}
	var classed interface{ ErrorClass() string }
	if errors.As(err, &classed) {
		return classed.ErrorClass()
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "telegram ", "commander"):
		return ClassCommandSource
	case containsAny(msg, "sqlite", "database", "session", "db "):
		return ClassDB
	default:
		return ClassUnknown
	}
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
