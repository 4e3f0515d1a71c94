// Package config loads the node-store runtime configuration from YAML or
// JSON files and converts it into the typed settings the store, logger,
// worker pool, and inspection server consume.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"nodestore/internal/logger"
	"nodestore/internal/store"
	"nodestore/internal/worker"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk configuration file structure.
type FileConfig struct {
	Store  StoreConfig  `yaml:"store" json:"store"`
	Log    LogConfig    `yaml:"log" json:"log"`
	Server ServerConfig `yaml:"server" json:"server"`
	Worker WorkerConfig `yaml:"worker" json:"worker"`
}

// StoreConfig configures the node store itself.
type StoreConfig struct {
	// MaxEntries caps the number of simultaneously stored nodes.
	// Zero means unlimited.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
	// SweepInterval is how often the background sweeper forces a
	// reclamation pass (e.g. "500ms"). Empty uses the default.
	SweepInterval string `yaml:"sweep_interval" json:"sweep_interval"`
	// SeedNodes pre-populates the store with this many variable nodes at
	// startup, for demos and inspection.
	SeedNodes int `yaml:"seed_nodes" json:"seed_nodes"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" json:"level"` // debug, info, warn, error
}

// ServerConfig configures the HTTP inspection server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// WorkerConfig configures the background worker pool.
type WorkerConfig struct {
	Workers     int `yaml:"workers" json:"workers"`           // 0 means CPU count
	QueueFactor int `yaml:"queue_factor" json:"queue_factor"` // 0 means default
}

// Runtime is the converted, validated form of a FileConfig, ready to hand
// to the components it configures.
type Runtime struct {
	Store         store.Config
	SweepInterval time.Duration
	SeedNodes     int
	LogLevel      logger.Level
	ServerEnabled bool
	ServerAddr    string
	Pool          worker.PoolConfig
}

// DefaultSweepInterval is used when the configuration does not name one.
const DefaultSweepInterval = 500 * time.Millisecond

// LoadFile reads a configuration file, deciding the format by extension
// (.yaml/.yml or .json).
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s (use .yaml, .yml, or .json)", filepath.Ext(path))
	}

	return &cfg, nil
}

// Validate checks the configuration for values that cannot be converted
// into a working runtime.
func (c *FileConfig) Validate() error {
	if c.Store.MaxEntries < 0 {
		return fmt.Errorf("store.max_entries must not be negative, got %d", c.Store.MaxEntries)
	}
	if c.Store.SeedNodes < 0 {
		return fmt.Errorf("store.seed_nodes must not be negative, got %d", c.Store.SeedNodes)
	}
	if c.Store.SweepInterval != "" {
		if _, err := time.ParseDuration(c.Store.SweepInterval); err != nil {
			return fmt.Errorf("invalid store.sweep_interval: %w", err)
		}
	}
	if c.Log.Level != "" {
		if _, err := parseLogLevel(c.Log.Level); err != nil {
			return err
		}
	}
	if c.Worker.Workers < 0 {
		return fmt.Errorf("worker.workers must not be negative, got %d", c.Worker.Workers)
	}
	if c.Worker.QueueFactor < 0 {
		return fmt.Errorf("worker.queue_factor must not be negative, got %d", c.Worker.QueueFactor)
	}
	return nil
}

// ToRuntime converts the file configuration into runtime settings.
func (c *FileConfig) ToRuntime() (Runtime, error) {
	rt := Runtime{
		Store:         store.Config{MaxEntries: uint32(c.Store.MaxEntries)},
		SweepInterval: DefaultSweepInterval,
		SeedNodes:     c.Store.SeedNodes,
		LogLevel:      logger.LevelInfo,
		ServerEnabled: c.Server.Enabled,
		ServerAddr:    c.Server.Addr,
		Pool: worker.PoolConfig{
			NumWorkers:  c.Worker.Workers,
			QueueFactor: c.Worker.QueueFactor,
		},
	}

	if c.Store.SweepInterval != "" {
		d, err := time.ParseDuration(c.Store.SweepInterval)
		if err != nil {
			return rt, fmt.Errorf("invalid store.sweep_interval: %w", err)
		}
		rt.SweepInterval = d
	}
	if c.Log.Level != "" {
		level, err := parseLogLevel(c.Log.Level)
		if err != nil {
			return rt, err
		}
		rt.LogLevel = level
	}
	if rt.ServerAddr == "" {
		rt.ServerAddr = ":8080"
	}

	return rt, nil
}

// parseLogLevel maps a config string onto a logger level.
func parseLogLevel(s string) (logger.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logger.LevelDebug, nil
	case "info":
		return logger.LevelInfo, nil
	case "warn", "warning":
		return logger.LevelWarn, nil
	case "error":
		return logger.LevelError, nil
	default:
		return logger.LevelInfo, fmt.Errorf("unknown log level: %s (use debug, info, warn, or error)", s)
	}
}
