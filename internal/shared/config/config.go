// Package config loads operator-tunable engine defaults from a config
// file (absurd-config.yaml) and/or ABSURD_-prefixed environment
// variables, following the viper wiring conventions of the teacher's
// cmd/cobra_cli.go.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds operator-tunable defaults. Per-call options (e.g.
// spawn_task's max_attempts) always take precedence over these.
type Config struct {
	// DatabasePath is the SQLite file the engine opens.
	DatabasePath string `mapstructure:"database_path"`

	// DefaultLeaseSeconds is a configured lease length. It is loaded but
	// not read: claim_task takes the lease as an argument and
	// cmd/absurd-worker uses its own --lease flag.
	DefaultLeaseSeconds int `mapstructure:"default_lease_seconds"`

	// DefaultMaxAttempts is a configured attempt limit. It is loaded but
	// not read: spawn_task falls back to engine.DefaultMaxAttempts.
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`

	// TaskTTLSeconds and EventTTLSeconds feed cleanup_tasks/cleanup_events.
	TaskTTLSeconds  int `mapstructure:"task_ttl_seconds"`
	EventTTLSeconds int `mapstructure:"event_ttl_seconds"`

	// CleanupInterval controls how often cmd/absurd-worker sweeps TTLs.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// MetricsAddr is where cmd/absurd-worker serves /metrics.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// LogLevel is one of debug|info|warn|error.
	LogLevel string `mapstructure:"log_level"`
}

// Defaults returns the engine's built-in defaults, used when no config
// file or environment variable overrides them.
func Defaults() Config {
	return Config{
		DatabasePath:        "absurd.db",
		DefaultLeaseSeconds: 60,
		DefaultMaxAttempts:  5,
		TaskTTLSeconds:      7 * 24 * 3600,
		EventTTLSeconds:     24 * 3600,
		CleanupInterval:     time.Minute,
		MetricsAddr:         ":9090",
		LogLevel:            "info",
	}
}

// Load reads absurd-config.{yaml,json,toml} from the given search paths
// (falling back to "$HOME" and "."), overlays ABSURD_-prefixed
// environment variables, and returns the merged Config.
func Load(searchPaths ...string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigName("absurd-config")
	v.SetEnvPrefix("ABSURD")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("database_path", cfg.DatabasePath)
	v.SetDefault("default_lease_seconds", cfg.DefaultLeaseSeconds)
	v.SetDefault("default_max_attempts", cfg.DefaultMaxAttempts)
	v.SetDefault("task_ttl_seconds", cfg.TaskTTLSeconds)
	v.SetDefault("event_ttl_seconds", cfg.EventTTLSeconds)
	v.SetDefault("cleanup_interval", cfg.CleanupInterval)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_level", cfg.LogLevel)
}
