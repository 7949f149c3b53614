// Package config loads daemon configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable of the sync daemon.
type Config struct {
	// DataDir is where the local SQLite database lives.
	DataDir string `mapstructure:"data_dir"`

	// BackendURL is the base URL of the hosted backend.
	BackendURL string `mapstructure:"backend_url"`

	// ProbeURL is the health endpoint polled for connectivity. Defaults to
	// BackendURL + "/health" when empty.
	ProbeURL string `mapstructure:"probe_url"`

	// ProbeInterval is how often connectivity is probed.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// RetryDelay is the pause before re-draining after a failed pass.
	RetryDelay time.Duration `mapstructure:"retry_delay"`

	// RefreshSchedule is a cron expression for the periodic full refresh.
	RefreshSchedule string `mapstructure:"refresh_schedule"`

	// ListenAddr serves the local WebSocket status feed.
	ListenAddr string `mapstructure:"listen_addr"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `mapstructure:"log_level"`

	// LogFile enables rotating file logging when set; empty logs to stdout.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration from the given file (optional), the environment
// (TRADEBOOK_ prefix) and built-in defaults, in that order of precedence.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("data_dir", ".tradebook")
	v.SetDefault("probe_interval", 10*time.Second)
	v.SetDefault("retry_delay", 30*time.Second)
	v.SetDefault("refresh_schedule", "@every 15m")
	v.SetDefault("listen_addr", "localhost:8090")
	v.SetDefault("log_level", "INFO")

	// Keys without defaults must still be registered or AutomaticEnv will
	// not surface them through Unmarshal.
	v.SetDefault("backend_url", "")
	v.SetDefault("probe_url", "")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("TRADEBOOK")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("backend_url is required")
	}
	if cfg.ProbeURL == "" {
		cfg.ProbeURL = cfg.BackendURL + "/health"
	}
	return &cfg, nil
}
