// Package config implements TOML configuration loading and validation for
// the fit CLI and the relay server. Unknown keys are fatal so typos surface
// immediately instead of silently reverting to defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// configFilePerms keeps the API key private to the owner.
const configFilePerms = 0o600

// configDirPerms is used when creating the config directory.
const configDirPerms = 0o700

// ErrNotFound reports a missing config file.
var ErrNotFound = errors.New("config: file not found")

// Config is the fit CLI configuration.
type Config struct {
	ServerURL string `toml:"server_url"`
	APIKey    string `toml:"api_key"`
	DataDir   string `toml:"data_dir"`
	AutoSync  bool   `toml:"auto_sync"`
	LogLevel  string `toml:"log_level"`
}

// validLogLevels is the accepted log_level set.
var validLogLevels = []string{"", "debug", "info", "warn", "error"}

// DefaultPath returns the standard config file location,
// ~/.config/fit/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}

	return filepath.Join(home, ".config", "fit", "config.toml"), nil
}

// DefaultDataDir returns the standard document store location,
// ~/.local/share/fit.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolving home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "fit"), nil
}

// Load reads and validates a config file. A missing file returns
// ErrNotFound so callers can fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := checkUnknownKeys(md, path); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return &cfg, nil
}

// Validate checks field values. The server URL is optional — sync commands
// fail with a clearer error when it is missing.
func (c *Config) Validate() error {
	for _, level := range validLogLevels {
		if c.LogLevel == level {
			return nil
		}
	}

	return fmt.Errorf("invalid log_level %q (expected debug, info, warn, or error)", c.LogLevel)
}

// Save writes the config atomically with owner-only permissions.
func Save(path string, cfg *Config) error {
	var sb strings.Builder

	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, configDirPerms); err != nil {
		return fmt.Errorf("config: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("config: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, configFilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("config: setting permissions: %w", err)
	}

	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("config: renaming to %s: %w", path, err)
	}

	success = true

	return nil
}

// checkUnknownKeys turns undecoded keys into errors.
func checkUnknownKeys(md toml.MetaData, path string) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}

	return fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
}
