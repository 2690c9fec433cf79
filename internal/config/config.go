// Package config loads quotabar configuration from the environment, with an
// optional .env file for development overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	// DefaultClientID is the GitHub OAuth app used for the Copilot device
	// flow. Overridable for testing against a fake authorization server.
	DefaultClientID = "Iv1.b507a08c87ecfe98"

	DefaultGitHubBaseURL = "https://github.com"
	DefaultAPIBaseURL    = "https://api.github.com"
	DefaultUpdateRepo    = "quotabar/quotabar"

	DefaultRefreshInterval  = 900 * time.Second
	DefaultWatchdogInterval = 15 * time.Second
)

// Config holds all application configuration.
type Config struct {
	// OAuth / API endpoints
	ClientID      string
	GitHubBaseURL string
	APIBaseURL    string
	UpdateRepo    string // "owner/repo" used for the release check

	// Scheduling
	RefreshInterval  time.Duration
	WatchdogInterval time.Duration

	// Paths
	CredentialsPath  string
	HistoryPath      string // sqlite usage history; empty disables history
	BundleMarkerPath string // build-version marker watched by the relaunch watchdog

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// Metrics exposition address, e.g. "127.0.0.1:9464"; empty disables it.
	MetricsAddr string
}

// Load reads configuration from the environment. A .env file in the working
// directory is honoured when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env file")
	}

	cfg := &Config{
		ClientID:         envOr("QUOTABAR_CLIENT_ID", DefaultClientID),
		GitHubBaseURL:    envOr("QUOTABAR_GITHUB_URL", DefaultGitHubBaseURL),
		APIBaseURL:       envOr("QUOTABAR_API_URL", DefaultAPIBaseURL),
		UpdateRepo:       envOr("QUOTABAR_UPDATE_REPO", DefaultUpdateRepo),
		RefreshInterval:  envDuration("QUOTABAR_REFRESH_INTERVAL", DefaultRefreshInterval),
		WatchdogInterval: envDuration("QUOTABAR_WATCHDOG_INTERVAL", DefaultWatchdogInterval),
		CredentialsPath:  os.Getenv("QUOTABAR_CREDENTIALS_PATH"),
		HistoryPath:      os.Getenv("QUOTABAR_HISTORY_PATH"),
		BundleMarkerPath: os.Getenv("QUOTABAR_BUNDLE_MARKER"),
		LogLevel:         envOr("QUOTABAR_LOG_LEVEL", "info"),
		LogFormat:        envOr("QUOTABAR_LOG_FORMAT", "auto"),
		LogFile:          os.Getenv("QUOTABAR_LOG_FILE"),
		MetricsAddr:      os.Getenv("QUOTABAR_METRICS_ADDR"),
	}

	if cfg.CredentialsPath == "" {
		path, err := defaultCredentialsPath()
		if err != nil {
			return nil, fmt.Errorf("resolve credentials path: %w", err)
		}
		cfg.CredentialsPath = path
	}

	if strings.Count(cfg.UpdateRepo, "/") != 1 {
		return nil, fmt.Errorf("invalid QUOTABAR_UPDATE_REPO %q: want owner/repo", cfg.UpdateRepo)
	}

	return cfg, nil
}

func defaultCredentialsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "quotabar", "hosts.json"), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}
