// Package config loads Circle core settings. Values come from built-in
// defaults, then an optional TOML file, then CIRCLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
)

// Config holds every tunable of the core runtime.
type Config struct {
	DataDir  string `toml:"data_dir" env:"CIRCLE_DATA_DIR"`
	LogLevel string `toml:"log_level" env:"CIRCLE_LOG_LEVEL"`
	DevMode  bool   `toml:"dev_mode" env:"CIRCLE_DEV_MODE"`

	APIBaseURL string `toml:"api_base_url" env:"CIRCLE_API_URL"`
	SocketURL  string `toml:"socket_url" env:"CIRCLE_SOCKET_URL"`
	// TokenSecret keys the encryption of the mirrored auth token at rest.
	TokenSecret string `toml:"token_secret" env:"CIRCLE_TOKEN_SECRET"`

	UpdatesEnabled bool   `toml:"updates_enabled" env:"CIRCLE_UPDATES_ENABLED"`
	UpdatesURL     string `toml:"updates_url" env:"CIRCLE_UPDATES_URL"`
	RuntimeVersion string `toml:"runtime_version" env:"CIRCLE_RUNTIME_VERSION"`
	Platform       string `toml:"platform" env:"CIRCLE_PLATFORM"`
	Channel        string `toml:"channel" env:"CIRCLE_CHANNEL"`

	RequestTimeout time.Duration `toml:"-" env:"CIRCLE_REQUEST_TIMEOUT"`
	MaxRetries     int           `toml:"max_retries" env:"CIRCLE_MAX_RETRIES"`
	RetryBackoff   time.Duration `toml:"-" env:"CIRCLE_RETRY_BACKOFF"`

	LocationMinInterval time.Duration `toml:"-" env:"CIRCLE_LOCATION_MIN_INTERVAL"`
	LocationMaxInterval time.Duration `toml:"-" env:"CIRCLE_LOCATION_MAX_INTERVAL"`
	LocationDistanceM   float64       `toml:"location_distance_m" env:"CIRCLE_LOCATION_DISTANCE_M"`
	NearbyRadiusKm      float64       `toml:"nearby_radius_km" env:"CIRCLE_NEARBY_RADIUS_KM"`

	OTelEndpoint string `toml:"otel_endpoint" env:"CIRCLE_OTEL_ENDPOINT"`
}

const (
	defaultConfigPath = "~/.config/circle/config.toml"
	defaultDataDir    = "~/.local/share/circle"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:             defaultDataDir,
		LogLevel:            "info",
		APIBaseURL:          "http://localhost:3000",
		SocketURL:           "ws://localhost:3000/socket",
		UpdatesEnabled:      true,
		UpdatesURL:          "http://localhost:3000/api/updates/manifest",
		RuntimeVersion:      "1.0.0",
		Platform:            "android",
		Channel:             "production",
		RequestTimeout:      15 * time.Second,
		MaxRetries:          2,
		RetryBackoff:        time.Second,
		LocationMinInterval: 15 * time.Minute,
		LocationMaxInterval: 30 * time.Minute,
		LocationDistanceM:   500,
		NearbyRadiusKm:      3,
	}
}

// Load resolves configuration from path (or the default location). A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	resolved, err := resolvePath(path)
	if err != nil {
		return Config{}, err
	}

	if err := overlayFile(&cfg, resolved); err != nil {
		return Config{}, err
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.DataDir = mustExpand(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(bytes, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	// Durations are written as strings ("15s", "30m") in the file.
	var raw struct {
		RequestTimeout      string `toml:"request_timeout"`
		RetryBackoff        string `toml:"retry_backoff"`
		LocationMinInterval string `toml:"location_min_interval"`
		LocationMaxInterval string `toml:"location_max_interval"`
	}
	if err := toml.Unmarshal(bytes, &raw); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	for _, d := range []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"request_timeout", raw.RequestTimeout, &cfg.RequestTimeout},
		{"retry_backoff", raw.RetryBackoff, &cfg.RetryBackoff},
		{"location_min_interval", raw.LocationMinInterval, &cfg.LocationMinInterval},
		{"location_max_interval", raw.LocationMaxInterval, &cfg.LocationMaxInterval},
	} {
		if strings.TrimSpace(d.value) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return fmt.Errorf("parse config: %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate rejects settings the runtime cannot work with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is empty")
	}
	if c.LocationMinInterval <= 0 || c.LocationMaxInterval < c.LocationMinInterval {
		return fmt.Errorf("location interval [%s, %s) is invalid", c.LocationMinInterval, c.LocationMaxInterval)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	return nil
}

// UpdatesActive reports whether OTA checks should reach the network.
func (c Config) UpdatesActive() bool {
	return c.UpdatesEnabled && !c.DevMode && strings.TrimSpace(c.UpdatesURL) != ""
}

func resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(defaultConfigPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}
