// Package config loads the controller configuration from a TOML file
// with environment variable overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variables used to configure the controller
const EnvPrefix = "AUTOSCRIPT_"

// Config holds all configuration for the controller
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	API      APIConfig      `koanf:"api"`
	Xray     XrayConfig     `koanf:"xray"`
	Storage  StorageConfig  `koanf:"storage"`
	Enforcer EnforcerConfig `koanf:"enforcer"`
	Telegram TelegramConfig `koanf:"telegram"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
}

// ServerConfig holds the HTTP API server configuration
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// APIConfig holds API authentication configuration
type APIConfig struct {
	// Tokens are the bearer tokens accepted by the account API.
	// With no tokens configured the API is open.
	Tokens []string `koanf:"tokens"`
}

// XrayConfig describes the proxy installation the controller manages
type XrayConfig struct {
	// ConfigPath is the proxy config document the controller rewrites
	ConfigPath string `koanf:"config_path"`

	// Binary is the proxy executable used for stats queries
	Binary string `koanf:"binary"`

	// APIServer is the address of the proxy's local stats API
	APIServer string `koanf:"api_server"`

	// Service is the systemd unit restarted after document rewrites
	Service string `koanf:"service"`

	// Domain is the public hostname used in generated share links
	Domain string `koanf:"domain"`

	// ExecTimeout bounds each stats query invocation
	ExecTimeout time.Duration `koanf:"exec_timeout"`

	// RestartTimeout bounds each service restart
	RestartTimeout time.Duration `koanf:"restart_timeout"`
}

// StorageConfig holds the account file tree locations and the audit store
type StorageConfig struct {
	DatabaseDir string      `koanf:"database_dir"`
	LimitDir    string      `koanf:"limit_dir"`
	UsageDir    string      `koanf:"usage_dir"`
	Audit       AuditConfig `koanf:"audit"`
}

// AuditConfig holds the SQLite audit trail configuration
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled"`
	SQLitePath string `koanf:"sqlite_path"`
}

// EnforcerConfig holds the quota enforcement loop configuration
type EnforcerConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval"`
}

// TelegramConfig holds notification delivery configuration
type TelegramConfig struct {
	BotToken string `koanf:"bot_token"`
	ChatID   string `koanf:"chat_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// LoadConfig loads configuration from the given TOML file, applies
// environment variable overrides and validates the result.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// Environment overrides: AUTOSCRIPT_XRAY_DOMAIN -> xray.domain.
	// A double underscore survives as a literal underscore in the key,
	// so AUTOSCRIPT_XRAY_CONFIG__PATH -> xray.config_path.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8787,
			ShutdownTimeout: 15 * time.Second,
		},
		Xray: XrayConfig{
			ConfigPath:     "/etc/xray/config.json",
			Binary:         "/usr/local/bin/xray",
			APIServer:      "127.0.0.1:10085",
			Service:        "xray",
			ExecTimeout:    5 * time.Second,
			RestartTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DatabaseDir: "/etc/autoscript/database",
			LimitDir:    "/etc/autoscript/limit",
			UsageDir:    "/etc/autoscript/usage",
			Audit: AuditConfig{
				Enabled:    true,
				SQLitePath: "/etc/autoscript/audit.db",
			},
		},
		Enforcer: EnforcerConfig{
			Enabled:  true,
			Interval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9100,
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", c.Server.Port)
	}
	if c.Xray.ConfigPath == "" {
		return fmt.Errorf("xray.config_path is required")
	}
	if c.Xray.Domain == "" {
		return fmt.Errorf("xray.domain is required")
	}
	if c.Xray.Service == "" {
		return fmt.Errorf("xray.service is required")
	}
	if c.Storage.DatabaseDir == "" || c.Storage.LimitDir == "" || c.Storage.UsageDir == "" {
		return fmt.Errorf("storage.database_dir, storage.limit_dir and storage.usage_dir are required")
	}
	if c.Storage.Audit.Enabled && c.Storage.Audit.SQLitePath == "" {
		return fmt.Errorf("storage.audit.sqlite_path is required when storage.audit.enabled is true")
	}
	if c.Enforcer.Enabled && c.Enforcer.Interval <= 0 {
		return fmt.Errorf("enforcer.interval must be positive, got: %s", c.Enforcer.Interval)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be either 'json' or 'console', got: %s", c.Logging.Format)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got: %d", c.Metrics.Port)
	}
	return nil
}
