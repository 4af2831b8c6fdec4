// Package config resolves the dispatch home directory and loads the optional
// config.yaml stored there.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from home/config.yaml.
// Every field has a default so a missing file is not an error.
type Config struct {
	Port        int     `yaml:"port"`
	IntervalSec float64 `yaml:"interval_sec"` // outbox delivery pass interval

	Outbox OutboxConfig `yaml:"outbox"`

	// WebhookURL, when set, delivers outbox items by POSTing JSON to this URL.
	// Empty means deliveries are written to the operational log only.
	WebhookURL string `yaml:"webhook_url"`
}

// OutboxConfig is the bounded retry policy for outbox delivery.
type OutboxConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:        4810,
		IntervalSec: 5,
		Outbox: OutboxConfig{
			MaxAttempts: 5,
			BaseDelay:   30 * time.Second,
			MaxDelay:    time.Hour,
		},
	}
}

// Path returns the config file path under home.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads home/config.yaml over the defaults. A missing file returns the
// defaults; a malformed file is an error.
func Load(home string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(Path(home))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Port <= 0 {
		cfg.Port = Default().Port
	}
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = Default().IntervalSec
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		cfg.Outbox.MaxAttempts = Default().Outbox.MaxAttempts
	}
	if cfg.Outbox.BaseDelay <= 0 {
		cfg.Outbox.BaseDelay = Default().Outbox.BaseDelay
	}
	if cfg.Outbox.MaxDelay <= 0 {
		cfg.Outbox.MaxDelay = Default().Outbox.MaxDelay
	}
	return cfg, nil
}
