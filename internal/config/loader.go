package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.forge/config.json
// Project: .forge/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".forge", "config.json")
	projectPath := filepath.Join(".forge", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile overlays the fields present in a JSON file onto base.
// Absent fields keep their value; maps merge key by key.
// Missing files are silently skipped. Malformed JSON returns an error
// and leaves base untouched.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if !json.Valid(data) {
		return fmt.Errorf("parsing %s: invalid JSON", path)
	}
	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case c.Engine.MaxRetryAttempts < 1:
		return fmt.Errorf("engine.max_retry_attempts must be at least 1, got %d", c.Engine.MaxRetryAttempts)
	case c.Engine.LivenessFactor < 1:
		return fmt.Errorf("engine.liveness_factor must be at least 1, got %d", c.Engine.LivenessFactor)
	case c.Engine.DequeueDelay < 0 || c.Engine.CommandTimeout < 0:
		return fmt.Errorf("engine durations must not be negative")
	case c.Resolver.SleepCap < 1:
		return fmt.Errorf("resolver.sleep_cap must be at least 1 second, got %d", c.Resolver.SleepCap)
	case c.Datasets.MinLines < 1:
		return fmt.Errorf("datasets.min_lines must be at least 1, got %d", c.Datasets.MinLines)
	case c.Verification.Concurrency < 0:
		return fmt.Errorf("verification.concurrency must not be negative")
	case c.Persistence.Enabled && c.Persistence.Path == "":
		return fmt.Errorf("persistence.path is required when persistence is enabled")
	}

	switch c.Completion.Type {
	case "claude", "ollama", "gemini", "none", "":
	default:
		return fmt.Errorf("unknown completion type %q", c.Completion.Type)
	}
	switch c.Sandbox.Runtime {
	case "local", "docker", "":
	default:
		return fmt.Errorf("unknown sandbox runtime %q", c.Sandbox.Runtime)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	return nil
}
