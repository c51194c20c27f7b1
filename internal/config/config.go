// Package config loads the server configuration from a YAML file and
// UNIFILE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fruitsalade/unifile/internal/api"
	"github.com/fruitsalade/unifile/internal/dispatch"
	"github.com/fruitsalade/unifile/internal/driver/backends"
	"github.com/fruitsalade/unifile/internal/logging"
	"github.com/fruitsalade/unifile/internal/pool"
	"github.com/fruitsalade/unifile/internal/session"
	"github.com/fruitsalade/unifile/internal/session/badgerstore"
)

const envPrefix = "UNIFILE"

// Config holds all server configuration.
type Config struct {
	Logging  LoggingConfig   `mapstructure:"logging"`
	Server   ServerConfig    `mapstructure:"server"`
	Session  SessionConfig   `mapstructure:"session"`
	Pool     PoolConfig      `mapstructure:"pool"`
	Dispatch DispatchConfig  `mapstructure:"dispatch"`
	Store    StoreConfig     `mapstructure:"store"`
	Backends []BackendConfig `mapstructure:"backends" validate:"required,min=1,dive"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=json console text"`
	Output string `mapstructure:"output" validate:"required"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	APIPrefix       string        `mapstructure:"api_prefix" validate:"required,startswith=/"`
	MaxUploadSize   int64         `mapstructure:"max_upload_size" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	CookieSecure    bool          `mapstructure:"cookie_secure"`

	// TLS is enabled when both are set.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

type SessionConfig struct {
	Secret        string        `mapstructure:"secret" validate:"required,min=16"`
	TokenTTL      time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

type PoolConfig struct {
	WaitTimeout      time.Duration `mapstructure:"wait_timeout" validate:"gt=0"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ReapInterval     time.Duration `mapstructure:"reap_interval" validate:"gte=0"`
	ProbeAfter       time.Duration `mapstructure:"probe_after" validate:"gte=0"`
	ConnectRetryWait time.Duration `mapstructure:"connect_retry_wait" validate:"gte=0"`
}

type DispatchConfig struct {
	MaxPathLength int `mapstructure:"max_path_length" validate:"gt=0"`
}

type StoreConfig struct {
	Type     string         `mapstructure:"type" validate:"required,oneof=memory badger postgres"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type BadgerConfig struct {
	Path string        `mapstructure:"path"`
	TTL  time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

type PostgresConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// BackendConfig declares one named backend. Name appears in routes.
type BackendConfig struct {
	Name    string         `mapstructure:"name" validate:"required"`
	Type    string         `mapstructure:"type" validate:"required,oneof=ftp sftp s3 local memory"`
	Options map[string]any `mapstructure:"options"`
}

var defaults = map[string]any{
	"logging.level":               "info",
	"logging.format":              "json",
	"logging.output":              "stdout",
	"server.addr":                 ":6805",
	"server.metrics_addr":         ":9090",
	"server.api_prefix":           api.DefaultPrefix,
	"server.max_upload_size":      100 << 20,
	"server.shutdown_timeout":     30 * time.Second,
	"server.cookie_secure":        false,
	"server.tls_cert_file":        "",
	"server.tls_key_file":         "",
	"session.secret":              "",
	"session.token_ttl":           24 * time.Hour,
	"session.idle_timeout":        30 * time.Minute,
	"session.sweep_interval":      time.Minute,
	"pool.wait_timeout":           30 * time.Second,
	"pool.idle_timeout":           5 * time.Minute,
	"pool.reap_interval":          30 * time.Second,
	"pool.probe_after":            time.Minute,
	"pool.connect_retry_wait":     200 * time.Millisecond,
	"dispatch.max_path_length":    dispatch.DefaultMaxPathLength,
	"store.type":                  "memory",
	"store.badger.path":           "",
	"store.badger.ttl":            time.Duration(0),
	"store.postgres.database_url": "",
}

// Load reads the configuration file at path (or the default location when
// path is empty), applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := readConfigFile(v); err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
		v.SetConfigName("unifile")
		v.SetConfigType("yaml")
	}
	return v
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "unifile")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "unifile")
}

// Watch reloads the file at path whenever it changes and hands every valid
// new configuration to onChange. Invalid edits are logged and ignored.
func Watch(path string, onChange func(*Config)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logging.Warn("config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		logging.Info("config reloaded", zap.String("file", e.Name))
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// LoggingOptions converts the logging section.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{Level: c.Logging.Level, Format: c.Logging.Format, Output: c.Logging.Output}
}

// BackendSpecs converts the backend list.
func (c *Config) BackendSpecs() []backends.Spec {
	specs := make([]backends.Spec, len(c.Backends))
	for i, b := range c.Backends {
		specs[i] = backends.Spec{Name: b.Name, Type: b.Type, Options: b.Options}
	}
	return specs
}

// PoolOptions converts the pool section.
func (c *Config) PoolOptions() pool.Config {
	return pool.Config{
		WaitTimeout:      c.Pool.WaitTimeout,
		IdleTimeout:      c.Pool.IdleTimeout,
		ReapInterval:     c.Pool.ReapInterval,
		ProbeAfter:       c.Pool.ProbeAfter,
		ConnectRetryWait: c.Pool.ConnectRetryWait,
	}
}

// SessionOptions converts the session section.
func (c *Config) SessionOptions() session.Config {
	return session.Config{
		Secret:        c.Session.Secret,
		TokenTTL:      c.Session.TokenTTL,
		IdleTimeout:   c.Session.IdleTimeout,
		SweepInterval: c.Session.SweepInterval,
	}
}

// DispatchOptions converts the dispatch and upload settings.
func (c *Config) DispatchOptions() dispatch.Config {
	return dispatch.Config{
		MaxUploadSize: c.Server.MaxUploadSize,
		MaxPathLength: c.Dispatch.MaxPathLength,
	}
}

// APIOptions converts the HTTP API settings.
func (c *Config) APIOptions() api.Config {
	return api.Config{
		Prefix:       c.Server.APIPrefix,
		CookieSecure: c.Server.CookieSecure,
		CookieMaxAge: c.Session.TokenTTL,
	}
}

// BadgerOptions converts the badger store settings.
func (c *Config) BadgerOptions() badgerstore.Config {
	return badgerstore.Config{Path: c.Store.Badger.Path, TTL: c.Store.Badger.TTL}
}
