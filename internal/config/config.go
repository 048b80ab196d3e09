// Package config loads fieldsync settings from defaults, an optional config
// file, and FIELDSYNC_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openfield/fieldsync/internal/fieldsync/db"
	"github.com/openfield/fieldsync/internal/fieldsync/remote"
	"github.com/openfield/fieldsync/internal/fieldsync/schema"
	"github.com/openfield/fieldsync/internal/logging"
)

// Remote backend kinds.
const (
	RemoteMemory   = "memory"
	RemoteDir      = "dir"
	RemotePostgres = "postgres"
	RemoteHTTP     = "http"
)

// Config is the complete fieldsync configuration.
type Config struct {
	Local      LocalConfig      `mapstructure:"local"`
	Remote     RemoteConfig     `mapstructure:"remote"`
	User       UserConfig       `mapstructure:"user"`
	Refresh    RefreshConfig    `mapstructure:"refresh"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
}

type LocalConfig struct {
	Path        string `mapstructure:"path"`
	MergePolicy string `mapstructure:"merge_policy"`
}

type RemoteConfig struct {
	Kind string `mapstructure:"kind"`
	Dir  string `mapstructure:"dir"`
	DSN  string `mapstructure:"dsn"`
	URL  string `mapstructure:"url"`
}

// UserConfig identifies the signed-in user.
type UserConfig struct {
	ID          string `mapstructure:"id"`
	Email       string `mapstructure:"email"`
	DisplayName string `mapstructure:"display_name"`
}

// User returns the configured user.
func (u UserConfig) User() schema.User {
	return schema.User{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

type RefreshConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type DispatchConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// ClassifierConfig lists the remote error codes that are retried silently
// instead of failing a mutation.
type ClassifierConfig struct {
	Intercept []string `mapstructure:"intercept"`
}

// Dir returns the fieldsync home directory, ~/.fieldsync.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fieldsync"
	}
	return filepath.Join(home, ".fieldsync")
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("local.path", filepath.Join(dir, "fieldsync.db"))
	v.SetDefault("local.merge_policy", string(db.MergeRemoteWins))
	v.SetDefault("remote.kind", RemoteDir)
	v.SetDefault("remote.dir", filepath.Join(dir, "remote"))
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.url", "")
	v.SetDefault("user.id", "")
	v.SetDefault("user.email", "")
	v.SetDefault("user.display_name", "")
	v.SetDefault("refresh.timeout", 5*time.Second)
	v.SetDefault("dispatch.max_retries", 5)
	v.SetDefault("dispatch.initial_backoff", time.Second)
	v.SetDefault("dispatch.max_backoff", 5*time.Minute)
	v.SetDefault("dispatch.poll_interval", 30*time.Second)
	v.SetDefault("dispatch.batch_size", 500)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("server.addr", ":8420")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.console", false)
	v.SetDefault("classifier.intercept", []string{"permission_pending", "quota_exceeded"})
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (or ~/.fieldsync/config.{yaml,toml,json} when path is
// empty and such a file exists) into v and returns the validated result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(Dir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Remote.Kind {
	case RemoteMemory:
	case RemoteDir:
		if c.Remote.Dir == "" {
			return fmt.Errorf("remote.dir is required for remote kind %q", c.Remote.Kind)
		}
	case RemotePostgres:
		if c.Remote.DSN == "" {
			return fmt.Errorf("remote.dsn is required for remote kind %q", c.Remote.Kind)
		}
	case RemoteHTTP:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for remote kind %q", c.Remote.Kind)
		}
	default:
		return fmt.Errorf("unknown remote kind %q (want memory, dir, postgres or http)", c.Remote.Kind)
	}

	if c.Local.Path == "" {
		return fmt.Errorf("local.path is required")
	}
	if _, err := db.ParseMergePolicy(c.Local.MergePolicy); err != nil {
		return fmt.Errorf("local.merge_policy: %w", err)
	}
	if c.Refresh.Timeout <= 0 {
		return fmt.Errorf("refresh.timeout must be positive, got %s", c.Refresh.Timeout)
	}
	if c.Dispatch.MaxRetries <= 0 {
		return fmt.Errorf("dispatch.max_retries must be positive, got %d", c.Dispatch.MaxRetries)
	}
	if c.Dispatch.InitialBackoff <= 0 || c.Dispatch.MaxBackoff < c.Dispatch.InitialBackoff {
		return fmt.Errorf("dispatch backoff must satisfy 0 < initial_backoff <= max_backoff, got %s and %s",
			c.Dispatch.InitialBackoff, c.Dispatch.MaxBackoff)
	}
	if c.Dispatch.PollInterval <= 0 {
		return fmt.Errorf("dispatch.poll_interval must be positive, got %s", c.Dispatch.PollInterval)
	}
	if c.Dispatch.BatchSize <= 0 || c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("dispatch.batch_size and dispatch.concurrency must be positive")
	}
	if _, err := c.InterceptCodes(); err != nil {
		return err
	}
	return nil
}

// InterceptCodes parses classifier.intercept.
func (c *Config) InterceptCodes() (remote.TableClassifier, error) {
	table := make(remote.TableClassifier, len(c.Classifier.Intercept))
	for _, name := range c.Classifier.Intercept {
		code, err := remote.ParseCode(name)
		if err != nil {
			return nil, fmt.Errorf("classifier.intercept: %w", err)
		}
		table[code] = true
	}
	return table, nil
}

// Logging converts the log section for logging.New.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
		Console:    c.Log.Console,
	}
}
