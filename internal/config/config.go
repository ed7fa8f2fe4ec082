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

// Package config loads durable configuration with the precedence
// flags > environment > config file > defaults. Flag overlay happens in the
// commands; this package handles the rest.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/durable/internal/scheduler"
	"github.com/tombee/durable/pkg/errors"
)

// DefaultConfigFile is searched in the working directory when no explicit
// path is given.
const DefaultConfigFile = "durable.config.yaml"

// Config is the complete durable configuration.
type Config struct {
	Storage   StorageConfig    `yaml:"storage"`
	Broker    BrokerConfig     `yaml:"broker"`
	Worker    WorkerConfig     `yaml:"worker"`
	Recovery  RecoveryConfig   `yaml:"recovery"`
	Nesting   NestingConfig    `yaml:"nesting"`
	Claim     ClaimConfig      `yaml:"claim"`
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Schedules []scheduler.Spec `yaml:"schedules,omitempty"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file path.
	Path string `yaml:"path,omitempty"`

	// WAL enables write-ahead logging for sqlite.
	WAL bool `yaml:"wal,omitempty"`
}

// BrokerConfig selects the task broker.
type BrokerConfig struct {
	// URL selects the broker. "memory://" runs the in-process broker.
	URL string `yaml:"url"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	// Concurrency bounds simultaneous task handlers per worker.
	Concurrency int `yaml:"concurrency,omitempty"`
}

// RecoveryConfig tunes the recovery sweeper.
type RecoveryConfig struct {
	// Interval is how often the sweeper scans.
	Interval time.Duration `yaml:"interval,omitempty"`

	// MaxAttempts bounds recoveries per run before it is interrupted.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// NestingConfig bounds child workflow depth.
type NestingConfig struct {
	Limit int `yaml:"limit,omitempty"`
}

// ClaimConfig tunes run claim leases.
type ClaimConfig struct {
	TTL time.Duration `yaml:"ttl,omitempty"`
}

// ServerConfig configures the REST server.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string `yaml:"addr,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level,omitempty"`

	// Format is json or text.
	Format string `yaml:"format,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "durable.db",
			WAL:     true,
		},
		Broker: BrokerConfig{URL: "memory://"},
		Worker: WorkerConfig{Concurrency: 8},
		Recovery: RecoveryConfig{
			Interval:    5 * time.Second,
			MaxAttempts: 3,
		},
		Nesting: NestingConfig{Limit: 3},
		Claim:   ClaimConfig{TTL: 30 * time.Second},
		Server:  ServerConfig{Addr: ":8080"},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from path (or DefaultConfigFile when path is
// empty and it exists), then overlays DURABLE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot read " + path, Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: "cannot parse " + path, Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays DURABLE_* environment variables onto cfg. Malformed
// values are ignored rather than fatal, matching how the rest of the env
// surface behaves.
func applyEnv(cfg *Config) {
	if val := os.Getenv("DURABLE_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("DURABLE_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}
	if val := os.Getenv("DURABLE_BROKER_URL"); val != "" {
		cfg.Broker.URL = val
	}
	if val := os.Getenv("DURABLE_WORKER_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Worker.Concurrency = n
		}
	}
	if val := os.Getenv("DURABLE_RECOVERY_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Recovery.Interval = d
		}
	}
	if val := os.Getenv("DURABLE_RECOVERY_MAX_ATTEMPTS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Recovery.MaxAttempts = n
		}
	}
	if val := os.Getenv("DURABLE_NESTING_LIMIT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			cfg.Nesting.Limit = n
		}
	}
	if val := os.Getenv("DURABLE_CLAIM_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Claim.TTL = d
		}
	}
	if val := os.Getenv("DURABLE_SERVER_ADDR"); val != "" {
		cfg.Server.Addr = val
	}
	if val := os.Getenv("DURABLE_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("DURABLE_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return &errors.ConfigError{
			Key:    "storage.backend",
			Reason: "unknown backend " + c.Storage.Backend + " (expected memory or sqlite)",
		}
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		return &errors.ConfigError{Key: "storage.path", Reason: "sqlite backend requires a path"}
	}
	if c.Broker.URL != "" && c.Broker.URL != "memory://" {
		return &errors.ConfigError{
			Key:    "broker.url",
			Reason: "unsupported broker " + c.Broker.URL + " (only memory:// is built in)",
		}
	}
	if c.Worker.Concurrency < 0 {
		return &errors.ConfigError{Key: "worker.concurrency", Reason: "must be >= 0"}
	}
	if c.Recovery.MaxAttempts < 0 {
		return &errors.ConfigError{Key: "recovery.max_attempts", Reason: "must be >= 0"}
	}
	if c.Nesting.Limit < 0 {
		return &errors.ConfigError{Key: "nesting.limit", Reason: "must be >= 0"}
	}
	for _, spec := range c.Schedules {
		if err := spec.Validate(); err != nil {
			return &errors.ConfigError{Key: "schedules", Reason: err.Error(), Cause: err}
		}
	}
	return nil
}
