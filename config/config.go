// Package config loads runtime configuration. Values come from a TOML file
// when ESCROWD_CONFIG points at one, with environment variables taking
// precedence for every field.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents runtime configuration for the escrow service.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DatabaseURL   string `toml:"DatabaseURL"`
	Env           string `toml:"Env"`

	LogFilePath   string `toml:"LogFilePath"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	Auth      AuthConfig      `toml:"Auth"`
	Processor ProcessorConfig `toml:"Processor"`
	Webhook   WebhookConfig   `toml:"Webhook"`
	Recon     ReconConfig     `toml:"Recon"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTSecret      string `toml:"JWTSecret"`
	Issuer         string `toml:"Issuer"`
	Audience       string `toml:"Audience"`
	MaxSkewSeconds int    `toml:"MaxSkewSeconds"`
}

// ProcessorConfig points at the external payment processor.
type ProcessorConfig struct {
	BaseURL        string `toml:"BaseURL"`
	APIKey         string `toml:"APIKey"`
	TimeoutSeconds int    `toml:"TimeoutSeconds"`
}

// WebhookConfig controls inbound processor webhook verification.
type WebhookConfig struct {
	Secret string `toml:"Secret"`
}

// ReconConfig tunes the stuck-release reconciliation sweep.
type ReconConfig struct {
	IntervalSeconds int `toml:"IntervalSeconds"`
	CutoffSeconds   int `toml:"CutoffSeconds"`
}

// Load builds the configuration from the optional TOML file named by
// ESCROWD_CONFIG plus environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("ESCROWD_CONFIG")); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, fmt.Errorf("ESCROWD_DB_URL is required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, fmt.Errorf("ESCROWD_JWT_SECRET is required")
	}
	if strings.TrimSpace(cfg.Webhook.Secret) == "" {
		return nil, fmt.Errorf("ESCROWD_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(cfg.Processor.BaseURL) == "" {
		return nil, fmt.Errorf("ESCROWD_PROCESSOR_BASE_URL is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress: ":8080",
		Env:           "dev",
		LogMaxSizeMB:  100,
		LogMaxBackups: 7,
		Auth: AuthConfig{
			MaxSkewSeconds: 60,
		},
		Processor: ProcessorConfig{
			TimeoutSeconds: 10,
		},
		Recon: ReconConfig{
			IntervalSeconds: 300,
			CutoffSeconds:   900,
		},
	}
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddress, "ESCROWD_LISTEN")
	setString(&cfg.DatabaseURL, "ESCROWD_DB_URL")
	setString(&cfg.Env, "ESCROWD_ENV")
	setString(&cfg.LogFilePath, "ESCROWD_LOG_FILE")
	setInt(&cfg.LogMaxSizeMB, "ESCROWD_LOG_MAX_SIZE_MB")
	setInt(&cfg.LogMaxBackups, "ESCROWD_LOG_MAX_BACKUPS")

	setString(&cfg.Auth.JWTSecret, "ESCROWD_JWT_SECRET")
	setString(&cfg.Auth.Issuer, "ESCROWD_JWT_ISSUER")
	setString(&cfg.Auth.Audience, "ESCROWD_JWT_AUDIENCE")
	setInt(&cfg.Auth.MaxSkewSeconds, "ESCROWD_JWT_MAX_SKEW_SECONDS")

	setString(&cfg.Processor.BaseURL, "ESCROWD_PROCESSOR_BASE_URL")
	setString(&cfg.Processor.APIKey, "ESCROWD_PROCESSOR_API_KEY")
	setInt(&cfg.Processor.TimeoutSeconds, "ESCROWD_PROCESSOR_TIMEOUT_SECONDS")

	setString(&cfg.Webhook.Secret, "ESCROWD_WEBHOOK_SECRET")

	setInt(&cfg.Recon.IntervalSeconds, "ESCROWD_RECON_INTERVAL_SECONDS")
	setInt(&cfg.Recon.CutoffSeconds, "ESCROWD_RECON_CUTOFF_SECONDS")
}

// CaptureTimeout returns the processor call budget.
func (c *Config) CaptureTimeout() time.Duration {
	if c.Processor.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Processor.TimeoutSeconds) * time.Second
}

// ReconInterval returns how often the reconciliation sweep runs.
func (c *Config) ReconInterval() time.Duration {
	if c.Recon.IntervalSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Recon.IntervalSeconds) * time.Second
}

// ReconCutoff returns the minimum age before a releasing row counts as stuck.
func (c *Config) ReconCutoff() time.Duration {
	if c.Recon.CutoffSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Recon.CutoffSeconds) * time.Second
}

// JWTSkew returns the allowed clock skew for token validation.
func (c *Config) JWTSkew() time.Duration {
	if c.Auth.MaxSkewSeconds < 0 {
		return 0
	}
	return time.Duration(c.Auth.MaxSkewSeconds) * time.Second
}

func setString(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*target = v
	}
}
