// Package config loads portalctl settings from a YAML file, the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PORTALCTL_SERVER_URL
const EnvPrefix = "PORTALCTL"

// Store drivers
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type Config struct {
	Server Server `mapstructure:"server" yaml:"server"`
	Store  Store  `mapstructure:"store" yaml:"store"`
	Log    Log    `mapstructure:"log" yaml:"log"`
	Mock   Mock   `mapstructure:"mock" yaml:"mock"`

	path string
}

type Server struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	APIPrefix       string        `mapstructure:"api_prefix" yaml:"api_prefix"`
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout" yaml:"download_timeout"`
	RefreshTimeout  time.Duration `mapstructure:"refresh_timeout" yaml:"refresh_timeout"`
}

type Store struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

type Log struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Mock configures the in-process portal served by `portalctl mock`
type Mock struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Email    string `mapstructure:"email" yaml:"email"`
	Password string `mapstructure:"password" yaml:"password"`
}

// DefaultDir returns ~/.config/portalctl
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "portalctl")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "http://localhost:8080")
	v.SetDefault("server.api_prefix", "/api/v1")
	v.SetDefault("server.timeout", 15*time.Second)
	v.SetDefault("server.download_timeout", 60*time.Second)
	v.SetDefault("server.refresh_timeout", 15*time.Second)
	v.SetDefault("store.driver", DriverFS)
	v.SetDefault("store.path", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("mock.addr", "127.0.0.1:8080")
	v.SetDefault("mock.email", "demo@example.com")
	v.SetDefault("mock.password", "password123")
}

// Load reads the config file at path, or config.yaml in DefaultDir when path
// is empty. A missing file is not an error; defaults and environment
// overrides still apply. A .env file in the working directory is loaded
// first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	if path == "" {
		path = filepath.Join(DefaultDir(), "config.yaml")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings that cannot be defaulted
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	switch c.Store.Driver {
	case DriverFS, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q (want fs, sqlite or memory)", c.Store.Driver)
	}
	return nil
}

// Path returns the file this config was loaded from and saves to
func (c *Config) Path() string {
	return c.path
}

// StorePath returns the credential store location, defaulting next to the
// config file.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	dir := filepath.Dir(c.path)
	if c.Store.Driver == DriverSQLite {
		return filepath.Join(dir, "credentials.db")
	}
	return filepath.Join(dir, "credentials.json")
}

// Save writes the config back to its file as YAML
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
