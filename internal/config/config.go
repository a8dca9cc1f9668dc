package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultBaseURL             = "https://intranet.campus.local/api"
	DefaultHistoryPollInterval = 3 * time.Second
	DefaultNotifyPollInterval  = 30 * time.Second
)

// Config represents the global ~/.campus/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	BaseURL        string `toml:"base_url"`

	// Poll intervals in seconds; zero means the built-in default.
	HistoryPollSeconds int `toml:"history_poll_seconds"`
	NotifyPollSeconds  int `toml:"notify_poll_seconds"`
}

// HistoryPollInterval returns the conversation poll cadence.
func (c *Config) HistoryPollInterval() time.Duration {
	if c.HistoryPollSeconds > 0 {
		return time.Duration(c.HistoryPollSeconds) * time.Second
	}
	return DefaultHistoryPollInterval
}

// NotifyPollInterval returns the notification poll cadence.
func (c *Config) NotifyPollInterval() time.Duration {
	if c.NotifyPollSeconds > 0 {
		return time.Duration(c.NotifyPollSeconds) * time.Second
	}
	return DefaultNotifyPollInterval
}

// ResolvedBaseURL returns the configured API base URL or the default.
func (c *Config) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
