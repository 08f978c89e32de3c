// Package config provides configuration loading for the dbtester CLI and gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/canonica-labs/dbtester/internal/errors"
	"github.com/canonica-labs/dbtester/internal/observability"
	"github.com/canonica-labs/dbtester/internal/probe"
	"github.com/canonica-labs/dbtester/internal/storage"
	"github.com/canonica-labs/dbtester/internal/vault"
)

// EnvPrefix prefixes every environment override, e.g. DBTESTER_VAULT_KEY.
const EnvPrefix = "DBTESTER"

// Config holds the application configuration.
type Config struct {
	// Endpoint is the gateway URL used by remote CLI commands
	Endpoint string `mapstructure:"endpoint"`

	// Vault configuration
	Vault VaultConfig `mapstructure:"vault"`

	// Store configuration (workflows, connections, runs)
	Store StoreConfig `mapstructure:"store"`

	// Probe configuration
	Probe ProbeConfig `mapstructure:"probe"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`

	// Server configuration (for gateway)
	Server ServerConfig `mapstructure:"server"`
}

// VaultConfig holds the credential vault key.
type VaultConfig struct {
	// Key is a 32-byte key, base64 or hex encoded.
	Key string `mapstructure:"key"`
}

// StoreConfig holds the backing store configuration.
type StoreConfig struct {
	Driver          string `mapstructure:"driver"`
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	ConnMaxLifetime string `mapstructure:"connMaxLifetime"`

	// Migrate applies pending migrations at startup.
	Migrate bool `mapstructure:"migrate"`

	// Audit persists operation results to audit_logs.
	Audit bool `mapstructure:"audit"`
}

// ProbeConfig holds settings for target database sessions.
type ProbeConfig struct {
	StatementTimeout string `mapstructure:"statementTimeout"`
	MaxRows          int    `mapstructure:"maxRows"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int    `mapstructure:"port"`
	ReadTimeout     string `mapstructure:"readTimeout"`
	WriteTimeout    string `mapstructure:"writeTimeout"`
	ShutdownTimeout string `mapstructure:"shutdownTimeout"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: "http://localhost:8080",
		Store: StoreConfig{
			Driver:          "postgres",
			DSN:             "host=localhost port=5432 user=dbtester password=dbtester_dev dbname=dbtester sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: "5m",
			Migrate:         true,
			Audit:           true,
		},
		Probe: ProbeConfig{
			StatementTimeout: "30s",
			MaxRows:          probe.DefaultMaxRows,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     "30s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "30s",
		},
	}
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default config locations
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".dbtester"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("dbtester")
		v.SetConfigType("yaml")
	}

	// Environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file is optional
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.NewConfigurationError("config", fmt.Sprintf("error reading config: %v", err))
		}
	}

	// Unmarshal
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigurationError("config", fmt.Sprintf("error parsing config: %v", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be caught by unmarshalling. An empty
// vault key is allowed; commands that need the vault fail on it later.
func (c *Config) Validate() error {
	if c.Vault.Key != "" {
		if _, err := vault.DecodeKey(c.Vault.Key); err != nil {
			return err
		}
	}
	switch c.Store.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return errors.NewConfigurationError("store.driver",
			fmt.Sprintf("unsupported driver %q (valid: postgres, sqlite, memory)", c.Store.Driver))
	}
	if c.Store.Driver != "memory" && strings.TrimSpace(c.Store.DSN) == "" {
		return errors.NewConfigurationError("store.dsn", "required")
	}
	for key, val := range map[string]string{
		"store.connMaxLifetime":  c.Store.ConnMaxLifetime,
		"probe.statementTimeout": c.Probe.StatementTimeout,
		"server.readTimeout":     c.Server.ReadTimeout,
		"server.writeTimeout":    c.Server.WriteTimeout,
		"server.shutdownTimeout": c.Server.ShutdownTimeout,
	} {
		if _, err := parseDuration(key, val); err != nil {
			return err
		}
	}
	if c.Probe.MaxRows < 0 {
		return errors.NewConfigurationError("probe.maxRows", "must not be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.NewConfigurationError("logging.format",
			fmt.Sprintf("unsupported format %q (valid: json, console)", c.Logging.Format))
	}
	return nil
}

// NewVault builds the credential vault. A missing key is a configuration
// error.
func (c *Config) NewVault() (*vault.Vault, error) {
	if strings.TrimSpace(c.Vault.Key) == "" {
		return nil, errors.NewConfigurationError("vault.key",
			"no vault key configured; generate one with `dbtester vault keygen` and set DBTESTER_VAULT_KEY")
	}
	return vault.New(c.Vault.Key)
}

// StoreOptions returns the store connection settings.
func (c *Config) StoreOptions() storage.PostgresConfig {
	lifetime, _ := parseDuration("store.connMaxLifetime", c.Store.ConnMaxLifetime)
	return storage.PostgresConfig{
		Driver:          c.Store.Driver,
		DSN:             c.Store.DSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: lifetime,
	}
}

// ProberOptions returns the options for target database sessions.
func (c *Config) ProberOptions() []probe.Option {
	timeout, _ := parseDuration("probe.statementTimeout", c.Probe.StatementTimeout)
	return []probe.Option{
		probe.WithStatementTimeout(timeout),
		probe.WithMaxRows(c.Probe.MaxRows),
	}
}

// LogOptions returns the process logger settings.
func (c *Config) LogOptions() observability.LogConfig {
	return observability.LogConfig{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
	}
}

// Duration parses a duration-valued setting. Invalid values were rejected by
// Validate and read as zero.
func Duration(val string) time.Duration {
	d, _ := parseDuration("", val)
	return d
}

func parseDuration(key, val string) (time.Duration, error) {
	if strings.TrimSpace(val) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, errors.NewConfigurationError(key, fmt.Sprintf("invalid duration %q", val))
	}
	if d < 0 {
		return 0, errors.NewConfigurationError(key, "must not be negative")
	}
	return d, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("endpoint", d.Endpoint)
	v.SetDefault("vault.key", "")
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.maxOpenConns", d.Store.MaxOpenConns)
	v.SetDefault("store.maxIdleConns", d.Store.MaxIdleConns)
	v.SetDefault("store.connMaxLifetime", d.Store.ConnMaxLifetime)
	v.SetDefault("store.migrate", d.Store.Migrate)
	v.SetDefault("store.audit", d.Store.Audit)
	v.SetDefault("probe.statementTimeout", d.Probe.StatementTimeout)
	v.SetDefault("probe.maxRows", d.Probe.MaxRows)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.readTimeout", d.Server.ReadTimeout)
	v.SetDefault("server.writeTimeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdownTimeout", d.Server.ShutdownTimeout)
}
