// Package engine provides the mining engine orchestration: configuration
// loading, component wiring, and lifecycle management.
package engine

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/txn2/mining-engine/pkg/settings"
)

// Config holds the complete engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Mining   MiningConfig   `yaml:"mining"`
	Wallet   WalletConfig   `yaml:"wallet"`
	Progress ProgressConfig `yaml:"progress"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// DatabaseConfig configures the PostgreSQL connection. An empty DSN runs
// the engine on in-memory stores, for development only: authoritative
// session state must live in the database in production so multiple
// instances and restarts observe consistent state.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// MiningConfig configures accrual parameters and the sweeper.
type MiningConfig struct {
	RatePerSecond   float64 `yaml:"rate_per_second"`
	IntervalMS      int64   `yaml:"interval_ms"`
	MaxDurationMS   int64   `yaml:"max_duration_ms"`
	Tolerance       float64 `yaml:"tolerance"`
	MaintenanceMode bool    `yaml:"maintenance_mode"`

	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SettingsSource selects where effective settings come from:
	// "static" (this file) or "database" (operator-updatable table).
	SettingsSource string `yaml:"settings_source"`

	// SettingsCacheTTL bounds staleness of database-backed settings.
	SettingsCacheTTL time.Duration `yaml:"settings_cache_ttl"`
}

// WalletConfig selects the crediting gateway implementation.
type WalletConfig struct {
	// Provider is "postgres" or "memory".
	Provider string `yaml:"provider"`
}

// ProgressConfig selects the achievement notifier implementation.
type ProgressConfig struct {
	// Notifier is "log" or "noop".
	Notifier string `yaml:"notifier"`
}

// Settings converts the static mining config into a settings snapshot.
func (c MiningConfig) Settings() settings.Settings {
	return settings.Settings{
		RatePerSecond:   c.RatePerSecond,
		Interval:        time.Duration(c.IntervalMS) * time.Millisecond,
		MaxDuration:     time.Duration(c.MaxDurationMS) * time.Millisecond,
		Tolerance:       c.Tolerance,
		MaintenanceMode: c.MaintenanceMode,
	}
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "mining-engine"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Mining.RatePerSecond == 0 {
		cfg.Mining.RatePerSecond = settings.DefaultRatePerSecond
	}
	if cfg.Mining.IntervalMS == 0 {
		cfg.Mining.IntervalMS = settings.DefaultInterval.Milliseconds()
	}
	if cfg.Mining.MaxDurationMS == 0 {
		cfg.Mining.MaxDurationMS = settings.DefaultMaxDuration.Milliseconds()
	}
	if cfg.Mining.Tolerance == 0 {
		cfg.Mining.Tolerance = settings.DefaultTolerance
	}
	if cfg.Mining.SweepInterval == 0 {
		cfg.Mining.SweepInterval = 5 * time.Minute
	}
	if cfg.Mining.SettingsSource == "" {
		cfg.Mining.SettingsSource = "static"
	}
	if cfg.Mining.SettingsCacheTTL == 0 {
		cfg.Mining.SettingsCacheTTL = settings.DefaultCacheTTL
	}
	if cfg.Wallet.Provider == "" {
		if cfg.Database.DSN != "" {
			cfg.Wallet.Provider = "postgres"
		} else {
			cfg.Wallet.Provider = "memory"
		}
	}
	if cfg.Progress.Notifier == "" {
		cfg.Progress.Notifier = "noop"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Mining.RatePerSecond < 0 {
		errs = append(errs, "mining.rate_per_second must not be negative")
	}
	if c.Mining.IntervalMS <= 0 {
		errs = append(errs, "mining.interval_ms must be positive")
	}
	if c.Mining.MaxDurationMS <= 0 {
		errs = append(errs, "mining.max_duration_ms must be positive")
	}
	if c.Mining.MaxDurationMS < c.Mining.IntervalMS {
		errs = append(errs, "mining.max_duration_ms must be at least one interval")
	}
	if c.Mining.Tolerance < 0 || c.Mining.Tolerance > 1 {
		errs = append(errs, "mining.tolerance must be between 0 and 1")
	}
	switch c.Mining.SettingsSource {
	case "static", "database":
	default:
		errs = append(errs, "mining.settings_source must be \"static\" or \"database\"")
	}
	if c.Mining.SettingsSource == "database" && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required when mining.settings_source is \"database\"")
	}
	switch c.Wallet.Provider {
	case "postgres", "memory":
	default:
		errs = append(errs, "wallet.provider must be \"postgres\" or \"memory\"")
	}
	if c.Wallet.Provider == "postgres" && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required when wallet.provider is \"postgres\"")
	}
	switch c.Progress.Notifier {
	case "log", "noop":
	default:
		errs = append(errs, "progress.notifier must be \"log\" or \"noop\"")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
