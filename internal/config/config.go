// Package config holds engine-wide defaults: the query default limit,
// MDBX map size, and the eviction sweep interval. There is no CLI
// surface here — values are loaded from an optional YAML/TOML file plus
// environment variable overrides. No other package in this module
// imports it; cache.Open takes no configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved set of engine-wide defaults.
type Config struct {
	// DefaultQueryLimit is applied to a query with no explicit limit.
	DefaultQueryLimit int
	// MapSizeBytes bounds a main environment's memory-mapped region.
	MapSizeBytes int64
	// EvictionSweepInterval is how often the background evictor scans
	// for expired records.
	EvictionSweepInterval time.Duration
}

func defaults() Config {
	return Config{
		DefaultQueryLimit:     50,
		MapSizeBytes:          1 << 30, // 1 GiB
		EvictionSweepInterval: 30 * time.Second,
	}
}

// Load resolves Config from, in increasing priority: built-in defaults,
// an optional config file at path (YAML or TOML, by extension; path="" skips
// this source), and CACHE_ENGINE_-prefixed environment variables (e.g.
// CACHE_ENGINE_MAP_SIZE_BYTES).
func Load(path string) (Config, error) {
	cfg := defaults()

	v := viper.New()
	v.SetEnvPrefix("cache_engine")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("default_query_limit", cfg.DefaultQueryLimit)
	v.SetDefault("map_size_bytes", cfg.MapSizeBytes)
	v.SetDefault("eviction_sweep_interval", cfg.EvictionSweepInterval.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.DefaultQueryLimit = v.GetInt("default_query_limit")
	cfg.MapSizeBytes = v.GetInt64("map_size_bytes")
	interval, err := time.ParseDuration(v.GetString("eviction_sweep_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("config: eviction_sweep_interval: %w", err)
	}
	cfg.EvictionSweepInterval = interval

	return cfg, nil
}
