// Package config reads EBOA settings from the environment and validates the
// resources directory.
//
// Getters never fail: an unset, empty or unparsable variable yields the
// default, so every LoadConfig stays total and Validate reports bad values.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// fromEnv parses the value of key with parse, falling back to defaultValue.
func fromEnv[T any](key string, defaultValue T, parse func(string) (T, bool)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	if v, ok := parse(raw); ok {
		return v
	}

	return defaultValue
}

// GetEnvStr returns the value of key, or defaultValue when unset.
//
//	url := GetEnvStr("DATABASE_URL", "")
func GetEnvStr(key, defaultValue string) string {
	return fromEnv(key, defaultValue, func(s string) (string, bool) { return s, true })
}

// GetEnvInt returns key parsed as a base 10 int.
//
//	n := GetEnvInt("EBOA_INGEST_PARALLELISM", 4)
func GetEnvInt(key string, defaultValue int) int {
	return fromEnv(key, defaultValue, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)

		return n, err == nil
	})
}

// GetEnvBool returns key as a bool. true/1/yes and false/0/no are accepted in
// any case.
func GetEnvBool(key string, defaultValue bool) bool {
	return fromEnv(key, defaultValue, func(s string) (bool, bool) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}

		return false, false
	})
}

// GetEnvDuration returns key parsed by time.ParseDuration ("30s", "5m").
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return fromEnv(key, defaultValue, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)

		return d, err == nil
	})
}

// GetEnvLogLevel returns key as a slog level: debug, info, warn (or warning), error.
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	levels := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}

	return fromEnv(key, defaultValue, func(s string) (slog.Level, bool) {
		l, ok := levels[strings.ToLower(s)]

		return l, ok
	})
}

// ParseCommaSeparatedList splits a list such as EBOA_KAFKA_BROKERS, trimming
// items and dropping empty ones. It never returns nil.
func ParseCommaSeparatedList(input string) []string {
	result := []string{}

	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
