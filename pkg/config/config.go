// Package config loads process configuration from the environment,
// with an optional YAML overlay file for the tunables that are
// awkward to express as a single env var. The teacher reads its
// listen address and data directory as flags/env directly in
// cmd/main.go; this generalizes that into one loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the server needs at startup.
type Config struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"dataDir"`

	SnapshotInterval  time.Duration `yaml:"snapshotInterval"`
	IdleEvictionDelay time.Duration `yaml:"idleEvictionDelay"`
	LogAppendDebounce time.Duration `yaml:"logAppendDebounce"`
	MaxVersionHistory int           `yaml:"maxVersionHistory"`
}

// Default matches the values documented in the spec.
func Default() Config {
	return Config{
		Port:              3062,
		DataDir:           "./data",
		SnapshotInterval:  5 * time.Minute,
		IdleEvictionDelay: 5 * time.Minute,
		LogAppendDebounce: 500 * time.Millisecond,
		MaxVersionHistory: 50,
	}
}

// Load builds a Config from Default(), an optional YAML file named by
// DRAWBRIDGE_CONFIG, and then environment variables, in that order of
// increasing precedence.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("DRAWBRIDGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("DRAWBRIDGE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: DRAWBRIDGE_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DRAWBRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	return cfg, nil
}
