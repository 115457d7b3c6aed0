package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// defaultListen is the relay's default listen address.
const defaultListen = ":8080"

// RelayKey is one API key entry in the relay's key table.
type RelayKey struct {
	Key     string `toml:"key"`
	UserID  string `toml:"user_id"`
	GroupID string `toml:"group_id"`
}

// RelayConfig is the relay server configuration. Example:
//
//	listen = ":8080"
//	data_dir = "/var/lib/todufit-relay"
//	log_level = "info"
//
//	[[api_keys]]
//	key = "secret-key"
//	user_id = "alice"
//	group_id = "family1"
type RelayConfig struct {
	Listen   string     `toml:"listen"`
	DataDir  string     `toml:"data_dir"`
	LogLevel string     `toml:"log_level"`
	Keys     []RelayKey `toml:"api_keys"`
}

// LoadRelay reads and validates a relay config file.
func LoadRelay(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := &RelayConfig{Listen: defaultListen}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(md, path); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the relay config invariants: a data directory, at least
// one key, and no blank or duplicate entries.
func (c *RelayConfig) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}

	if len(c.Keys) == 0 {
		return errors.New("at least one [[api_keys]] entry is required")
	}

	seen := make(map[string]struct{}, len(c.Keys))

	for i, k := range c.Keys {
		if k.Key == "" {
			return fmt.Errorf("api_keys[%d]: key is empty", i)
		}

		if k.UserID == "" {
			return fmt.Errorf("api_keys[%d]: user_id is empty", i)
		}

		if _, dup := seen[k.Key]; dup {
			return fmt.Errorf("api_keys[%d]: duplicate key", i)
		}

		seen[k.Key] = struct{}{}
	}

	for _, level := range validLogLevels {
		if c.LogLevel == level {
			return nil
		}
	}

	return fmt.Errorf("invalid log_level %q (expected debug, info, warn, or error)", c.LogLevel)
}
