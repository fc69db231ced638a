// Package config loads server configuration from an optional YAML file
// with environment variable overrides. Environment wins over file,
// file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Session Session `yaml:"session"`
	Logging Logging `yaml:"logging"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	// WatchOrigins are host patterns allowed to open watch websockets
	// cross-origin. Empty keeps the default same-origin policy.
	WatchOrigins []string `yaml:"watch_origins"`
}

type Storage struct {
	// Profile selects the backend: "memory" or "postgres".
	Profile string `yaml:"profile"`
	DSN     string `yaml:"dsn"`
}

type Session struct {
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	BundleTTL      time.Duration `yaml:"bundle_ttl"`
	CASRetries     int           `yaml:"cas_retries"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			RateLimitWindow: time.Minute,
		},
		Storage: Storage{Profile: "memory"},
		Logging: Logging{Level: "info"},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// FIRESYNC_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Addr, "FIRESYNC_ADDR")
	setString(&cfg.Server.JWTSecret, "FIRESYNC_JWT_SECRET")
	setInt64(&cfg.Server.MaxBodyBytes, "FIRESYNC_MAX_BODY_BYTES")
	setInt(&cfg.Server.RateLimitMax, "FIRESYNC_RATE_LIMIT_MAX")
	setDuration(&cfg.Server.RateLimitWindow, "FIRESYNC_RATE_LIMIT_WINDOW")
	if raw := strings.TrimSpace(os.Getenv("FIRESYNC_WATCH_ORIGINS")); raw != "" {
		parts := strings.Split(raw, ",")
		origins := make([]string, 0, len(parts))
		for _, part := range parts {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
		cfg.Server.WatchOrigins = origins
	}

	setString(&cfg.Storage.Profile, "FIRESYNC_STORAGE_PROFILE")
	setString(&cfg.Storage.DSN, "FIRESYNC_POSTGRES_DSN")

	setDuration(&cfg.Session.IdempotencyTTL, "FIRESYNC_IDEMPOTENCY_TTL")
	setDuration(&cfg.Session.BundleTTL, "FIRESYNC_BUNDLE_TTL")
	setInt(&cfg.Session.CASRetries, "FIRESYNC_CAS_RETRIES")

	setString(&cfg.Logging.Level, "FIRESYNC_LOG_LEVEL")
	if raw := os.Getenv("FIRESYNC_LOG_PRETTY"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.Logging.Pretty = value
		}
	}
}

func (c Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Profile)) {
	case "", "memory", "inmemory":
	case "postgres", "production", "prod":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for the postgres profile")
		}
	default:
		return fmt.Errorf("unsupported storage profile: %s", c.Storage.Profile)
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	return nil
}

func setString(dst *string, name string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*dst = raw
	}
}

func setInt(dst *int, name string) {
	if raw := os.Getenv(name); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil {
			*dst = value
		}
	}
}

func setInt64(dst *int64, name string) {
	if raw := os.Getenv(name); raw != "" {
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = value
		}
	}
}

func setDuration(dst *time.Duration, name string) {
	if raw := os.Getenv(name); raw != "" {
		if value, err := time.ParseDuration(raw); err == nil {
			*dst = value
		}
	}
}
