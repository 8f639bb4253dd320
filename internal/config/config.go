// Package config loads service configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	EnableCORS bool   `yaml:"enable_cors"`
	Debug      bool   `yaml:"debug"`
}

// BackendConfig holds generation backend settings. The cookies come from the
// environment only and are never read from or written to the config file.
type BackendConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	Secure1PSID   string        `yaml:"-"`
	Secure1PSIDTS string        `yaml:"-"`
	Proxy         string        `yaml:"proxy"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	DefaultModel  string        `yaml:"default_model"`
}

// ImagesConfig holds image store settings.
type ImagesConfig struct {
	OutputDir string `yaml:"output_dir"`
	BaseURL   string `yaml:"base_url"`
}

// WebhookConfig holds webhook delivery settings.
type WebhookConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// RetentionConfig holds terminal task retention settings.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
}

// SessionConfig holds session store settings.
type SessionConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Images    ImagesConfig    `yaml:"images"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Retention RetentionConfig `yaml:"retention"`
	Session   SessionConfig   `yaml:"session"`
	LogLevel  string          `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:       "localhost",
			Port:       8080,
			EnableCORS: true,
		},
		Backend: BackendConfig{
			Timeout:       5 * time.Minute,
			MaxConcurrent: 8,
		},
		Images: ImagesConfig{
			OutputDir: "./generated-images",
		},
		Webhook: WebhookConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
			TTL:      time.Hour,
		},
		Session: SessionConfig{
			MaxTurns: 0,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips the file layer. Environment variables override both.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can run the service.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.Secure1PSID) == "" {
		return fmt.Errorf("SECURE_1PSID is required")
	}
	if strings.TrimSpace(c.Backend.Endpoint) == "" {
		return fmt.Errorf("backend endpoint is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	return nil
}

func (c *Config) applyEnv() error {
	stringVar(&c.Backend.Endpoint, "RETOUCH_BACKEND_ENDPOINT")
	stringVar(&c.Backend.Secure1PSID, "SECURE_1PSID")
	stringVar(&c.Backend.Secure1PSIDTS, "SECURE_1PSIDTS")
	stringVar(&c.Backend.Proxy, "RETOUCH_PROXY")
	stringVar(&c.Backend.DefaultModel, "RETOUCH_MODEL")
	stringVar(&c.Images.OutputDir, "RETOUCH_IMAGE_OUTPUT_DIR")
	stringVar(&c.Images.BaseURL, "RETOUCH_IMAGE_BASE_URL")
	stringVar(&c.Server.Host, "RETOUCH_HOST")
	stringVar(&c.LogLevel, "RETOUCH_LOG_LEVEL")

	if err := intVar(&c.Server.Port, "RETOUCH_PORT"); err != nil {
		return err
	}
	if err := intVar(&c.Backend.MaxConcurrent, "RETOUCH_MAX_CONCURRENT"); err != nil {
		return err
	}
	if err := intVar(&c.Webhook.MaxAttempts, "RETOUCH_WEBHOOK_MAX_ATTEMPTS"); err != nil {
		return err
	}
	if err := intVar(&c.Session.MaxTurns, "RETOUCH_SESSION_MAX_TURNS"); err != nil {
		return err
	}
	if err := durationVar(&c.Backend.Timeout, "RETOUCH_TIMEOUT"); err != nil {
		return err
	}
	if err := durationVar(&c.Webhook.BaseDelay, "RETOUCH_WEBHOOK_BASE_DELAY"); err != nil {
		return err
	}
	if err := durationVar(&c.Retention.Interval, "RETOUCH_RETENTION_INTERVAL"); err != nil {
		return err
	}
	if err := durationVar(&c.Retention.TTL, "RETOUCH_RETENTION_TTL"); err != nil {
		return err
	}
	return nil
}

func stringVar(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		*dst = strings.TrimSpace(value)
	}
}

func intVar(dst *int, key string) error {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = parsed
	return nil
}

func durationVar(dst *time.Duration, key string) error {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = parsed
	return nil
}
