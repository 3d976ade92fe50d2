// Package config provides configuration for the session service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the session service configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Session defaults, overridable per session at start
	DefaultMaxRounds int
	RoundDeadline    time.Duration
	TurnDeadline     time.Duration

	// Transport
	A2ATimeout time.Duration

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:         getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:      getEnv("DATABASE_URL", "file:shaket.db?cache=shared&mode=rwc"),
		DefaultMaxRounds: getEnvInt("DEFAULT_MAX_ROUNDS", 5),
		RoundDeadline:    time.Duration(getEnvInt("ROUND_DEADLINE_MS", 30000)) * time.Millisecond,
		TurnDeadline:     time.Duration(getEnvInt("TURN_DEADLINE_MS", 120000)) * time.Millisecond,
		A2ATimeout:       time.Duration(getEnvInt("A2A_TIMEOUT_MS", 15000)) * time.Millisecond,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
