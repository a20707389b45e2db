// Package config loads tile server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the tile server and its
// seed/cleanup CLI, sourced from environment variables per spec.md §6.
type Config struct {
	Server       ServerConfig
	CORS         CORSConfig
	DataDir      string
	PostgresURI  string // required only when a cache backend is "postgres"
	RedisURL     string // optional; the Redis hot-tile layer is disabled when empty
	ServiceName  string
	FallbackFont string
	StartingUp   bool
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host        string
	Port        string
	Environment string
}

// CORSConfig configures the cors middleware.
type CORSConfig struct {
	AllowedOrigins []string
}

// Load reads configuration from the process environment, loading a local
// .env file first when present (godotenv.Load silently no-ops otherwise).
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		return nil, fmt.Errorf("DATA_DIR environment variable is required")
	}

	startingUp, err := parseBool(os.Getenv("STARTING_UP"), false)
	if err != nil {
		return nil, fmt.Errorf("invalid STARTING_UP: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:        envOr("HOST", "0.0.0.0"),
			Port:        envOr("PORT", "8080"),
			Environment: envOr("ENVIRONMENT", "development"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(envOr("CORS_ALLOWED_ORIGINS", "*")),
		},
		DataDir:      dataDir,
		PostgresURI:  os.Getenv("POSTGRESQL_BASE_URI"),
		RedisURL:     os.Getenv("REDIS_URL"),
		ServiceName:  envOr("SERVICE_NAME", "tileserver"),
		FallbackFont: envOr("FALLBACK_FONT", "Open Sans Regular"),
		StartingUp:   startingUp,
	}

	return cfg, nil
}

// RequirePostgres returns an error when a postgres-backed cache is
// configured without POSTGRESQL_BASE_URI set (spec.md §6).
func (c *Config) RequirePostgres() error {
	if c.PostgresURI == "" {
		return fmt.Errorf("POSTGRESQL_BASE_URI environment variable required when a postgres cache backend is configured")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(v string, fallback bool) (bool, error) {
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseBool(v)
}
