// Package config loads the process-wide, read-only-after-init settings
// the book engine needs (spec.md §5, §6: "g_crossing_enabled"). It is
// loaded once from a YAML file with env var overrides, in the style of
// the market-making bot's internal/config package.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly onto the YAML file
// structure.
type Config struct {
	Crossing CrossingConfig `mapstructure:"crossing"`
	Sharding ShardingConfig `mapstructure:"sharding"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CrossingConfig gates the speculative-crossing path (spec §6
// "g_crossing_enabled"). Read-only after Load.
type CrossingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ShardingConfig configures the optional multi-shard runner split (spec
// §1 Non-goals: "harness may shard instruments across threads").
type ShardingConfig struct {
	Shards int `mapstructure:"shards"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Default returns the zero-config baseline: crossing disabled, one
// shard, info logging. Used when the harness is invoked without a config
// file.
func Default() *Config {
	return &Config{
		Crossing: CrossingConfig{Enabled: false},
		Sharding: ShardingConfig{Shards: 1},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads config from a YAML file, with MBOBOOK_* environment
// variables overriding any field (e.g. MBOBOOK_CROSSING_ENABLED=true).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MBOBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	v.SetDefault("crossing.enabled", cfg.Crossing.Enabled)
	v.SetDefault("sharding.shards", cfg.Sharding.Shards)
	v.SetDefault("logging.level", cfg.Logging.Level)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if enabled := os.Getenv("MBOBOOK_CROSSING_ENABLED"); enabled != "" {
		cfg.Crossing.Enabled = enabled == "true" || enabled == "1"
	}

	return cfg, nil
}

// Validate checks the loaded config for values the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.Sharding.Shards <= 0 {
		return fmt.Errorf("sharding.shards must be > 0")
	}
	return nil
}
