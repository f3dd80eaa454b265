package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config contains all runtime settings for the plan synchronization service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration

	SessionTTL time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "planloop"),
		AllowAnyOrigin:    false,
		DatabaseURL:       trimmedEnv("DATABASE_URL"),
		ShutdownTimeout:   15 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ConnectionTimeout: 60 * time.Second,
		SessionTTL:        12 * time.Hour,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeartbeatInterval, err = durationFromEnv("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionTimeout, err = durationFromEnv("APP_CONNECTION_TIMEOUT", cfg.ConnectionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.HeartbeatInterval < time.Second {
		return Config{}, fmt.Errorf("APP_HEARTBEAT_INTERVAL must be at least 1s")
	}
	if cfg.ConnectionTimeout <= cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("APP_CONNECTION_TIMEOUT must exceed APP_HEARTBEAT_INTERVAL")
	}
	if cfg.SessionTTL < time.Minute {
		return Config{}, fmt.Errorf("APP_SESSION_TTL must be at least 1m")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
