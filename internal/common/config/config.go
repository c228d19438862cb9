// Package config provides configuration management for tabrelay.
// It supports loading configuration from environment variables, a config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/tabrelay/internal/common/logger"
)

const day = 24 * time.Hour

// Config holds all configuration sections for tabrelay.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Relay   RelayConfig   `mapstructure:"relay"`
	NATS    NATSConfig    `mapstructure:"nats"`
	MCP     MCPConfig     `mapstructure:"mcp"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// RelayConfig holds the connection/session lifecycle settings. All *Ms values
// are milliseconds so they line up with the legacy RELAY_* variables.
type RelayConfig struct {
	GraceMs            int64  `mapstructure:"graceMs"`
	ExpiredClientTTLMs int64  `mapstructure:"expiredClientTtlMs"`
	ExpiredTabTTLMs    int64  `mapstructure:"expiredTabTtlMs"`
	SweepIntervalMs    int64  `mapstructure:"sweepIntervalMs"`
	ExecuteTimeoutMs   int64  `mapstructure:"executeTimeoutMs"`
	SnapshotPath       string `mapstructure:"snapshotPath"`
	SnapshotFlushMs    int64  `mapstructure:"snapshotFlushMs"`
	SnapshotDriver     string `mapstructure:"snapshotDriver"` // file, sqlite, postgres
	SnapshotDSN        string `mapstructure:"snapshotDsn"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// SubjectPrefix namespaces relay subjects when several relays share a
	// NATS server, e.g. "prod" publishes prod.relay.client.online.
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// MCPConfig controls the MCP tool server. Embedded serves it on the main
// HTTP port under /mcp, /sse and /message; otherwise it listens on Port.
type MCPConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Embedded bool `mapstructure:"embedded"`
	Port     int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// Grace returns the offline grace period.
func (r *RelayConfig) Grace() time.Duration { return ms(r.GraceMs) }

// ExpiredClientTTL returns how long offline_expired clients are retained.
func (r *RelayConfig) ExpiredClientTTL() time.Duration { return ms(r.ExpiredClientTTLMs) }

// ExpiredTabTTL returns how long closed and stale_expired tabs are retained.
func (r *RelayConfig) ExpiredTabTTL() time.Duration { return ms(r.ExpiredTabTTLMs) }

// SweepInterval returns the lifecycle tick period.
func (r *RelayConfig) SweepInterval() time.Duration { return ms(r.SweepIntervalMs) }

// ExecuteTimeout returns the default wait for an execute_in_tab result.
func (r *RelayConfig) ExecuteTimeout() time.Duration { return ms(r.ExecuteTimeoutMs) }

// SnapshotFlush returns the snapshot debounce window.
func (r *RelayConfig) SnapshotFlush() time.Duration { return ms(r.SnapshotFlushMs) }

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	// execute-in-tab waits up to the caller's timeoutMs, so writes get more room.
	v.SetDefault("server.writeTimeout", 120)

	v.SetDefault("relay.graceMs", int64(90*time.Second/time.Millisecond))
	v.SetDefault("relay.expiredClientTtlMs", int64(7*day/time.Millisecond))
	v.SetDefault("relay.expiredTabTtlMs", int64(day/time.Millisecond))
	v.SetDefault("relay.sweepIntervalMs", 1000)
	v.SetDefault("relay.executeTimeoutMs", 8000)
	v.SetDefault("relay.snapshotPath", "dist/relay-snapshot.json")
	v.SetDefault("relay.snapshotFlushMs", 2000)
	v.SetDefault("relay.snapshotDriver", "file")
	v.SetDefault("relay.snapshotDsn", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tabrelay")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.embedded", false)
	v.SetDefault("mcp.port", 8788)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TABRELAY_ with the key path upper-cased
// and dots replaced by underscores (TABRELAY_RELAY_GRACEMS). The older
// variable names (PORT, RELAY_GRACE_MS, ...) are honoured too.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TABRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "TABRELAY_SERVER_PORT", "PORT")
	_ = v.BindEnv("relay.graceMs", "TABRELAY_RELAY_GRACE_MS", "RELAY_GRACE_MS")
	_ = v.BindEnv("relay.expiredClientTtlMs", "TABRELAY_RELAY_EXPIRED_CLIENT_TTL_MS", "RELAY_EXPIRED_CLIENT_TTL_MS")
	_ = v.BindEnv("relay.expiredTabTtlMs", "TABRELAY_RELAY_EXPIRED_TAB_TTL_MS", "RELAY_EXPIRED_TAB_TTL_MS")
	_ = v.BindEnv("relay.snapshotPath", "TABRELAY_RELAY_SNAPSHOT_PATH", "RELAY_SNAPSHOT_PATH")
	_ = v.BindEnv("relay.snapshotFlushMs", "TABRELAY_RELAY_SNAPSHOT_FLUSH_MS", "RELAY_SNAPSHOT_FLUSH_MS")
	_ = v.BindEnv("relay.snapshotDriver", "TABRELAY_RELAY_SNAPSHOT_DRIVER")
	_ = v.BindEnv("relay.snapshotDsn", "TABRELAY_RELAY_SNAPSHOT_DSN")
	_ = v.BindEnv("mcp.enabled", "TABRELAY_MCP_ENABLED")
	_ = v.BindEnv("mcp.port", "TABRELAY_MCP_PORT")
	_ = v.BindEnv("mcp.embedded", "TABRELAY_MCP_EMBEDDED")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tabrelay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	r := cfg.Relay
	if r.GraceMs <= 0 {
		errs = append(errs, "relay.graceMs must be positive")
	}
	if r.ExpiredClientTTLMs <= 0 {
		errs = append(errs, "relay.expiredClientTtlMs must be positive")
	}
	if r.ExpiredTabTTLMs <= 0 {
		errs = append(errs, "relay.expiredTabTtlMs must be positive")
	}
	if r.SweepIntervalMs <= 0 {
		errs = append(errs, "relay.sweepIntervalMs must be positive")
	}
	if r.ExecuteTimeoutMs <= 0 {
		errs = append(errs, "relay.executeTimeoutMs must be positive")
	}
	if r.SnapshotFlushMs < 0 {
		errs = append(errs, "relay.snapshotFlushMs must not be negative")
	}
	switch r.SnapshotDriver {
	case "file":
		if r.SnapshotPath == "" {
			errs = append(errs, "relay.snapshotPath is required when relay.snapshotDriver is file")
		}
	case "sqlite", "postgres":
		if r.SnapshotDSN == "" && r.SnapshotDriver == "postgres" {
			errs = append(errs, "relay.snapshotDsn is required when relay.snapshotDriver is postgres")
		}
	default:
		errs = append(errs, "relay.snapshotDriver must be one of: file, sqlite, postgres")
	}

	if cfg.MCP.Enabled && !cfg.MCP.Embedded && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
