package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/abdhe/llm-key-manager/pkg/keymanager"
)

var errNoAPIKeys = errors.New("API_KEYS must list at least one key")

// config is everything read from the environment at startup.
type config struct {
	FreeKeys    []string
	PaidKeys    keymanager.PaidKeys
	MaxFailures int

	HTTPPort       string
	GRPCPort       string
	HealthInterval time.Duration

	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	MirrorInterval time.Duration

	ResetSchedule string
	ResetTimezone *time.Location

	LogLevel  string
	LogFormat string
	LogFile   string
}

// loadEnvFile reads KEY=value pairs from path into the environment. Variables
// already set win. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadConfig() (config, error) {
	cfg := config{
		FreeKeys:    splitKeys(os.Getenv("API_KEYS")),
		PaidKeys:    keymanager.ParsePaidKeys(os.Getenv("PAID_KEY")),
		MaxFailures: envIntOrDefault("MAX_FAILURES", 3),

		HTTPPort:       envOrDefault("HTTP_PORT", "9090"),
		GRPCPort:       envOrDefault("GRPC_PORT", "50051"),
		HealthInterval: envDurationOrDefault("HEALTH_INTERVAL", 5*time.Second),

		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        envIntOrDefault("REDIS_DB", 0),
		RedisPrefix:    envOrDefault("REDIS_PREFIX", "keymanager"),
		MirrorInterval: envDurationOrDefault("MIRROR_INTERVAL", 15*time.Second),

		ResetSchedule: os.Getenv("RESET_SCHEDULE"),
		ResetTimezone: time.Local,

		LogLevel:  envOrDefault("LOG_LEVEL", "info"),
		LogFormat: envOrDefault("LOG_FORMAT", "json"),
		LogFile:   os.Getenv("LOG_FILE"),
	}
	if tz := os.Getenv("RESET_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return cfg, fmt.Errorf("RESET_TIMEZONE: %w", err)
		}
		cfg.ResetTimezone = loc
	}
	if len(cfg.FreeKeys) == 0 {
		return cfg, errNoAPIKeys
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
