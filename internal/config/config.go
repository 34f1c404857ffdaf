// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Queue   QueueConfig   `yaml:"queue"`
	Webhook WebhookConfig `yaml:"webhook"`
	Runs    RunsConfig    `yaml:"runs"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig configures run persistence.
type StoreConfig struct {
	// Driver selects the backend: "sqlite" or "memory".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file. Ignored by the memory driver.
	Path string `yaml:"path"`
}

// QueueConfig configures the background job broker.
type QueueConfig struct {
	// Driver selects the backend: "nats" or "memory".
	Driver string `yaml:"driver"`
	// URL is the NATS server address. Ignored by the memory driver.
	URL string `yaml:"url"`
}

// WebhookConfig configures completion webhook delivery.
type WebhookConfig struct {
	// Secret signs webhook payloads. Empty disables signing.
	Secret string `yaml:"secret"`
}

// RunsConfig configures run execution defaults.
type RunsConfig struct {
	// DefaultTimeout applies when a request carries no timeout_ms.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// CleanupConfig configures the retention sweep.
type CleanupConfig struct {
	Retention      time.Duration `yaml:"retention"`
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	OnStartup      bool          `yaml:"on_startup"`
}

// LogConfig configures daemon logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8420",
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "runway.db",
		},
		Queue: QueueConfig{
			Driver: "nats",
			URL:    "nats://127.0.0.1:4222",
		},
		Runs: RunsConfig{
			DefaultTimeout: 120 * time.Second,
		},
		Cleanup: CleanupConfig{
			Retention:      30 * 24 * time.Hour,
			Interval:       24 * time.Hour,
			StaleThreshold: time.Hour,
			OnStartup:      false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the given path, if non-empty, then
// applies environment overrides. A missing file at an explicit path is
// an error; an empty path skips the file entirely.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides layers RUNWAY_* environment variables over the
// file values.
func (c *Config) applyEnvOverrides() {
	if val := os.Getenv("RUNWAY_LISTEN_ADDR"); val != "" {
		c.Server.ListenAddr = val
	}
	if val := os.Getenv("RUNWAY_STORE_DRIVER"); val != "" {
		c.Store.Driver = val
	}
	if val := os.Getenv("RUNWAY_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("RUNWAY_QUEUE_DRIVER"); val != "" {
		c.Queue.Driver = val
	}
	if val := os.Getenv("RUNWAY_NATS_URL"); val != "" {
		c.Queue.URL = val
	}
	if val := os.Getenv("RUNWAY_WEBHOOK_SECRET"); val != "" {
		c.Webhook.Secret = val
	}
	if val := os.Getenv("RUNWAY_DEFAULT_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Runs.DefaultTimeout = d
		}
	}
	if val := os.Getenv("RUNWAY_RETENTION_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil && days > 0 {
			c.Cleanup.Retention = time.Duration(days) * 24 * time.Hour
		}
	}
	if val := os.Getenv("RUNWAY_CLEANUP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cleanup.Interval = d
		}
	}
	if val := os.Getenv("RUNWAY_CLEANUP_ON_STARTUP"); val != "" {
		c.Cleanup.OnStartup = val == "true" || val == "1"
	}
	if val := os.Getenv("RUNWAY_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("RUNWAY_LOG_FORMAT"); val != "" {
		c.Log.Format = val
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver %q (want sqlite or memory)", c.Store.Driver)
	}

	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store path is required for the sqlite driver")
	}

	switch c.Queue.Driver {
	case "nats", "memory":
	default:
		return fmt.Errorf("unknown queue driver %q (want nats or memory)", c.Queue.Driver)
	}

	if c.Queue.Driver == "nats" && c.Queue.URL == "" {
		return fmt.Errorf("queue url is required for the nats driver")
	}

	if c.Runs.DefaultTimeout <= 0 {
		return fmt.Errorf("default timeout must be positive")
	}

	return nil
}
