// Package config provides functions for reading config settings from ENV.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvStr returns a string environment variable value or a default if not set.
//
// Example:
//
//	s := GetEnvStr("HOST", "localhost")
func GetEnvStr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// GetEnvInt returns an int environment variable value or a default if not set
// or not parseable as an integer.
//
// Example:
//
//	i := GetEnvInt("PORT", 8000)
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}

	return defaultValue
}

// GetEnvInt64 returns an int64 environment variable value or a default if not set.
//
// Example:
//
//	i := GetEnvInt64("MAX_UPLOAD_BYTES", 52428800)
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}

	return defaultValue
}

// GetEnvFloat returns a float64 environment variable value or a default if not set.
//
// Example:
//
//	f := GetEnvFloat("ANOMALY_THRESHOLD_PERCENT", 40.0)
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}

	return defaultValue
}

// GetEnvBool returns a bool environment variable value or a default if not set.
// Accepts the forms understood by strconv.ParseBool (1, t, true, 0, f, false).
//
// Example:
//
//	b := GetEnvBool("CACHE_ENABLED", true)
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}

	return defaultValue
}

// GetEnvDuration returns a time.Duration environment variable value or a default
// if not set. Values use Go duration syntax ("30s", "6h").
//
// Example:
//
//	d := GetEnvDuration("SWEEP_INTERVAL", 6*time.Hour)
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}

	return defaultValue
}

// GetEnvLogLevel returns a slog.Level from an environment variable or a default
// if not set or unrecognized. Accepted values: debug, info, warn, error.
//
// Example:
//
//	level := GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
func GetEnvLogLevel(key string, defaultValue slog.Level) slog.Level {
	switch strings.ToLower(os.Getenv(key)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultValue
	}
}
