// Package config provides configuration management for the relay
// server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the relay server configuration.
type Config struct {
	DataPath string        `yaml:"data_path"`
	Network  NetworkConfig `yaml:"network"`
	HTTP     HTTPConfig    `yaml:"http"`
	Relay    RelayConfig   `yaml:"relay"`
}

// NetworkConfig contains bus network settings.
type NetworkConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MaxConns  int      `yaml:"max_connections"`
}

// HTTPConfig contains the client-facing HTTP settings.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// RelayConfig contains relay protocol settings.
type RelayConfig struct {
	// TopicPrefix names the fleet: the bus topic is "{prefix}:events"
	// and processes with different prefixes never exchange events.
	TopicPrefix string `yaml:"topic_prefix"`

	// KeepAliveInterval is how often idle streaming sessions emit a
	// comment frame, in time.ParseDuration form ("30s").
	KeepAliveInterval string `yaml:"keepalive_interval"`

	// RetryDelay is the reconnect delay announced to streaming
	// clients, in time.ParseDuration form ("2s").
	RetryDelay string `yaml:"retry_delay"`
}

// KeepAlive returns the parsed keepalive interval. Empty or malformed
// values yield zero so the session defaults apply; Load rejects
// malformed values up front.
func (r RelayConfig) KeepAlive() time.Duration {
	d, _ := time.ParseDuration(r.KeepAliveInterval)
	return d
}

// Retry returns the parsed reconnect delay, zero when unset.
func (r RelayConfig) Retry() time.Duration {
	d, _ := time.ParseDuration(r.RetryDelay)
	return d
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		DataPath: filepath.Join(homeDir, ".grouprelay"),
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4201",
				"/ip4/0.0.0.0/tcp/4202/ws",
			},
			Bootstrap: []string{},
			MaxConns:  400,
		},
		HTTP: HTTPConfig{
			Listen: "127.0.0.1:8414",
		},
		Relay: RelayConfig{
			TopicPrefix:       "grouprelay",
			KeepAliveInterval: "30s",
			RetryDelay:        "2s",
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".grouprelay", "config.yaml")
}

// DataDir returns the base directory for node state (identity keys).
func (c *Config) DataDir() string {
	if c.DataPath != "" {
		return c.DataPath
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".grouprelay")
}

// Validate checks settings that would otherwise fail deep inside the
// node or session wiring.
func (c *Config) Validate() error {
	if c.Relay.TopicPrefix == "" {
		return fmt.Errorf("relay.topic_prefix must not be empty")
	}
	for _, f := range []struct{ name, value string }{
		{"relay.keepalive_interval", c.Relay.KeepAliveInterval},
		{"relay.retry_delay", c.Relay.RetryDelay},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
	}
	if len(c.Network.Listen) == 0 {
		return fmt.Errorf("network.listen must name at least one address")
	}
	return nil
}

// Load loads the configuration from a file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
