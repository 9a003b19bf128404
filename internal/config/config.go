// Package config loads coscribe configuration from YAML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tuning. The format delay must stay longer than the save
// delay so cosmetic passes run against settled content.
const (
	DefaultSaveDebounce   = 1000 * time.Millisecond
	DefaultFormatDebounce = 2500 * time.Millisecond
	DefaultListenAddr     = "127.0.0.1:7690"
)

// Config is the resolved coscribe configuration.
type Config struct {
	// Database is the path to the SQLite document store.
	Database string

	// Relay configures the broadcast channel.
	Relay RelayConfig

	// SaveDebounce is the quiet period after the last edit before a
	// save is issued.
	SaveDebounce time.Duration

	// FormatDebounce is the quiet period before the cosmetic
	// reformat pass runs. Must exceed SaveDebounce.
	FormatDebounce time.Duration

	// Verbose enables debug logging.
	Verbose bool
}

// RelayConfig locates the broadcast relay.
type RelayConfig struct {
	// Listen is the address the serve command binds (host:port).
	Listen string `yaml:"listen,omitempty"`

	// URL is the relay endpoint sessions connect to
	// (ws://host:port/ws). Empty disables broadcasting.
	URL string `yaml:"url,omitempty"`
}

// fileConfig is the on-disk YAML shape. Durations are strings
// ("500ms", "2s") parsed with time.ParseDuration.
type fileConfig struct {
	Database       string      `yaml:"database,omitempty"`
	Relay          RelayConfig `yaml:"relay,omitempty"`
	SaveDebounce   string      `yaml:"save_debounce,omitempty"`
	FormatDebounce string      `yaml:"format_debounce,omitempty"`
	Verbose        bool        `yaml:"verbose,omitempty"`
}

// Load reads and validates a config file. Unknown fields are
// rejected so typos surface as errors instead of silent defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var raw fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := Default()
	cfg.Database = firstNonEmpty(raw.Database, cfg.Database)
	cfg.Relay.Listen = firstNonEmpty(raw.Relay.Listen, cfg.Relay.Listen)
	cfg.Relay.URL = raw.Relay.URL
	cfg.Verbose = raw.Verbose

	if raw.SaveDebounce != "" {
		d, err := time.ParseDuration(raw.SaveDebounce)
		if err != nil {
			return nil, fmt.Errorf("config: save_debounce: %w", err)
		}
		cfg.SaveDebounce = d
	}
	if raw.FormatDebounce != "" {
		d, err := time.ParseDuration(raw.FormatDebounce)
		if err != nil {
			return nil, fmt.Errorf("config: format_debounce: %w", err)
		}
		cfg.FormatDebounce = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database:       "coscribe.db",
		Relay:          RelayConfig{Listen: DefaultListenAddr},
		SaveDebounce:   DefaultSaveDebounce,
		FormatDebounce: DefaultFormatDebounce,
	}
}

// Validate checks field-level constraints.
func (c *Config) Validate() error {
	if c.SaveDebounce <= 0 {
		return fmt.Errorf("save_debounce must be positive, got %s", c.SaveDebounce)
	}
	if c.FormatDebounce <= c.SaveDebounce {
		return fmt.Errorf("format_debounce (%s) must be longer than save_debounce (%s)",
			c.FormatDebounce, c.SaveDebounce)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
