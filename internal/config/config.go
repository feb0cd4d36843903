// Package config loads the server configuration from YAML, resolving defaults
// once at load time. Flags layer on top in cmd/server; nothing else merges
// partial configs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default listen addresses and worker sizing.
const (
	DefaultHTTPAddr    = ":8080"
	DefaultMetricsAddr = ":9090"
	DefaultWorkers     = 2
	DefaultUniverse    = 50
)

// Config is the fully-resolved server configuration.
type Config struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	RedisAddr     string `yaml:"redis_addr"`

	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Workers is the number of queue consumers executing optimization runs.
	Workers int `yaml:"workers"`

	// UniverseSize caps the evaluation universe loaded per run.
	UniverseSize int `yaml:"universe_size"`

	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// WatchdogConfig tunes the recovery sweeps.
type WatchdogConfig struct {
	Interval       time.Duration `yaml:"interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	BootGrace      time.Duration `yaml:"boot_grace"`
	OrphanGrace    time.Duration `yaml:"orphan_grace"`
}

// Load reads a YAML config file and applies defaults. An empty path returns
// the defaults alone.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return applyDefaults(cfg), nil
}

func applyDefaults(cfg Config) Config {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = DefaultMetricsAddr
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.UniverseSize == 0 {
		cfg.UniverseSize = DefaultUniverse
	}
	if cfg.Watchdog.Interval == 0 {
		cfg.Watchdog.Interval = 15 * time.Minute
	}
	if cfg.Watchdog.StaleThreshold == 0 {
		cfg.Watchdog.StaleThreshold = 6 * time.Hour
	}
	if cfg.Watchdog.BootGrace == 0 {
		cfg.Watchdog.BootGrace = 5 * time.Minute
	}
	if cfg.Watchdog.OrphanGrace == 0 {
		cfg.Watchdog.OrphanGrace = 15 * time.Minute
	}
	return cfg
}
