// Package config provides configuration loading for the session broker.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the session broker.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings
	JWKSEndpoint string
	JWTIssuer    string
	JWTAudience  string

	// History store settings
	HistoryDBPath   string
	HistoryMaxLines int

	// Session settings
	DefaultShell     string
	DefaultCols      int
	DefaultRows      int
	DestroyGrace     time.Duration
	IdleSessionTTL   time.Duration // 0 disables the idle sweep
	RingBufferSize   int
	DetectorWindow   int
	EventChannelSize int

	// Gateway settings
	RequestTimeout    time.Duration
	WSReadBufferSize  int
	WSWriteBufferSize int

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("BROKER_PORT", 8080),
		Host:           getEnv("BROKER_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "terminal-broker"),

		HistoryDBPath:   getEnv("HISTORY_DB_PATH", "data/broker.db"),
		HistoryMaxLines: getEnvInt("HISTORY_MAX_LINES", 5000),

		DefaultShell:     getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultCols:      getEnvInt("DEFAULT_COLS", 80),
		DefaultRows:      getEnvInt("DEFAULT_ROWS", 24),
		DestroyGrace:     getEnvDuration("DESTROY_GRACE", 5*time.Second),
		IdleSessionTTL:   getEnvDuration("IDLE_SESSION_TTL", 0),
		RingBufferSize:   getEnvInt("RING_BUFFER_SIZE", 262144),
		DetectorWindow:   getEnvInt("DETECTOR_WINDOW_BYTES", 16384),
		EventChannelSize: getEnvInt("EVENT_CHANNEL_SIZE", 1024),

		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
	}

	if cfg.JWKSEndpoint == "" {
		return nil, fmt.Errorf("JWKS_ENDPOINT is required")
	}
	if cfg.HistoryMaxLines <= 0 {
		return nil, fmt.Errorf("HISTORY_MAX_LINES must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
