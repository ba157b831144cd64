package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfigPath = "FATHOM_CONFIG"
	envBackendURL = "FATHOM_BACKEND_URL"
	envAuthToken  = "FATHOM_AUTH_TOKEN"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Backend BackendConfig `json:"backend"`
	Stream  StreamConfig  `json:"stream"`
	Pager   PagerConfig   `json:"pager"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// BackendConfig configures the analysis backend endpoints.
type BackendConfig struct {
	BaseURL               string `json:"base_url"`
	TokenEnv              string `json:"token_env,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	FetchTimeoutSeconds   int    `json:"fetch_timeout_seconds"`
}

// StreamConfig controls the push connection watchdog and reconnect backoff.
type StreamConfig struct {
	HeartbeatWindowSeconds int `json:"heartbeat_window_seconds"`
	BackoffBaseMillis      int `json:"backoff_base_millis"`
	MaxReconnectAttempts   int `json:"max_reconnect_attempts"`
}

// PagerConfig controls history page size and scroll-trigger debouncing.
type PagerConfig struct {
	PageSize       int `json:"page_size"`
	DebounceMillis int `json:"debounce_millis"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

var ErrBackendURLRequired = errors.New("backend.base_url is required")

// LoadConfig resolves config.json, unmarshals it, applies env overrides, and
// fills defaults. A .env file in the working directory is honored first.
func LoadConfig() (*Config, error) {
	// Missing .env is fine; explicit env always wins over file values anyway.
	_ = godotenv.Load()

	cfg := &Config{}

	configPath, err := findConfigPath()
	if err == nil {
		content, readErr := os.ReadFile(configPath)
		if readErr != nil {
			return nil, fmt.Errorf("read config file: %w", readErr)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if !errors.Is(err, errNoConfigFile) {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if strings.TrimSpace(cfg.Backend.BaseURL) == "" {
		return nil, ErrBackendURLRequired
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if url := strings.TrimSpace(os.Getenv(envBackendURL)); url != "" {
		cfg.Backend.BaseURL = url
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Backend.RequestTimeoutSeconds <= 0 {
		cfg.Backend.RequestTimeoutSeconds = 30
	}
	if cfg.Backend.FetchTimeoutSeconds <= 0 {
		cfg.Backend.FetchTimeoutSeconds = 10
	}
	if cfg.Backend.TokenEnv == "" {
		cfg.Backend.TokenEnv = envAuthToken
	}
	if cfg.Stream.HeartbeatWindowSeconds <= 0 {
		cfg.Stream.HeartbeatWindowSeconds = 15
	}
	if cfg.Stream.BackoffBaseMillis <= 0 {
		cfg.Stream.BackoffBaseMillis = 1000
	}
	if cfg.Stream.MaxReconnectAttempts <= 0 {
		cfg.Stream.MaxReconnectAttempts = 4
	}
	if cfg.Pager.PageSize <= 0 {
		cfg.Pager.PageSize = 50
	}
	if cfg.Pager.DebounceMillis <= 0 {
		cfg.Pager.DebounceMillis = 200
	}
}

// RequestTimeout returns the general REST request timeout.
func (c BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// FetchTimeout returns the bounded timeout for completion re-fetches.
func (c BackendConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// HeartbeatWindow returns the watchdog silence window.
func (c StreamConfig) HeartbeatWindow() time.Duration {
	return time.Duration(c.HeartbeatWindowSeconds) * time.Second
}

// BackoffBase returns the first reconnect delay; it doubles per attempt.
func (c StreamConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMillis) * time.Millisecond
}

// Debounce returns the scroll-trigger debounce window.
func (c PagerConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

var errNoConfigFile = errors.New("config.json not found")

// findConfigPath resolves the active config file location.
//
// Precedence is FATHOM_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", errNoConfigFile
}
