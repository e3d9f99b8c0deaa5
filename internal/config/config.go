// Package config provides centralized configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for swarmwatch.
type Config struct {
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	SessionID       string        `mapstructure:"session_id"`
	DataDir         string        `mapstructure:"data_dir"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	BlankSentinels  []string      `mapstructure:"blank_sentinels"`
	Journal         bool          `mapstructure:"journal"`
	MCP             bool          `mapstructure:"mcp"`
	MCPPort         int           `mapstructure:"mcp_port"`
	Headless        bool          `mapstructure:"headless"`
}

// keys lists every setting that can come from the environment.
var keys = []string{
	"base_url",
	"token",
	"session_id",
	"data_dir",
	"log_level",
	"log_file",
	"grace_period",
	"recovery_timeout",
	"request_timeout",
	"blank_sentinels",
	"journal",
	"mcp",
	"mcp_port",
	"headless",
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:         "http://localhost:8000",
		DataDir:         ".swarmwatch",
		LogLevel:        "info",
		GracePeriod:     3 * time.Second,
		RecoveryTimeout: 5 * time.Second,
		RequestTimeout:  30 * time.Second,
		Journal:         true,
	}
}

// Load loads configuration with full precedence:
// CLI flags > ENV vars > project config > XDG global config > defaults
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	if path := GlobalPath(); fileExists(path) {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading global config: %w", err)
		}
	}
	if path := ProjectPath(); fileExists(path) {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("swarmwatch")

	d := Default()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("token", "")
	v.SetDefault("session_id", "")
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("grace_period", d.GracePeriod)
	v.SetDefault("recovery_timeout", d.RecoveryTimeout)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("journal", d.Journal)
	v.SetDefault("mcp", false)
	v.SetDefault("mcp_port", 0)
	v.SetDefault("headless", false)

	v.SetEnvPrefix("SWARMWATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Explicit bindings so bools, durations and lists parse from env.
	for _, key := range keys {
		if err := v.BindEnv(key, "SWARMWATCH_"+strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("binding %s env: %w", key, err)
		}
	}
	return v, nil
}

// Validate checks values that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url %q is not an absolute URL", c.BaseURL))
	}
	if c.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("grace_period must be positive, got %s", c.GracePeriod))
	}
	if c.RecoveryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("recovery_timeout must be positive, got %s", c.RecoveryTimeout))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout))
	}
	if c.MCPPort < 0 || c.MCPPort > 65535 {
		errs = append(errs, fmt.Errorf("mcp_port %d out of range", c.MCPPort))
	}
	return errors.Join(errs...)
}

// Exists returns true if any config file exists (global or project).
func Exists() bool {
	return fileExists(GlobalPath()) || fileExists(ProjectPath())
}

// GlobalPath returns the XDG global config path.
// Returns ~/.config/swarmwatch/swarmwatch.yml or
// $XDG_CONFIG_HOME/swarmwatch/swarmwatch.yml.
func GlobalPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "swarmwatch", "swarmwatch.yml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "swarmwatch", "swarmwatch.yml")
}

// ProjectPath returns the project-local config path.
func ProjectPath() string {
	return "swarmwatch.yml"
}

// fileConfig is the on-disk shape. Durations are written as strings such
// as "3s" so the file stays hand-editable.
type fileConfig struct {
	BaseURL         string   `yaml:"base_url"`
	Token           string   `yaml:"token,omitempty"`
	SessionID       string   `yaml:"session_id,omitempty"`
	DataDir         string   `yaml:"data_dir"`
	LogLevel        string   `yaml:"log_level"`
	LogFile         string   `yaml:"log_file,omitempty"`
	GracePeriod     string   `yaml:"grace_period"`
	RecoveryTimeout string   `yaml:"recovery_timeout"`
	RequestTimeout  string   `yaml:"request_timeout"`
	BlankSentinels  []string `yaml:"blank_sentinels,omitempty"`
	Journal         bool     `yaml:"journal"`
	MCP             bool     `yaml:"mcp"`
	MCPPort         int      `yaml:"mcp_port,omitempty"`
	Headless        bool     `yaml:"headless"`
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(fileConfig{
		BaseURL:         cfg.BaseURL,
		Token:           cfg.Token,
		SessionID:       cfg.SessionID,
		DataDir:         cfg.DataDir,
		LogLevel:        cfg.LogLevel,
		LogFile:         cfg.LogFile,
		GracePeriod:     cfg.GracePeriod.String(),
		RecoveryTimeout: cfg.RecoveryTimeout.String(),
		RequestTimeout:  cfg.RequestTimeout.String(),
		BlankSentinels:  cfg.BlankSentinels,
		Journal:         cfg.Journal,
		MCP:             cfg.MCP,
		MCPPort:         cfg.MCPPort,
		Headless:        cfg.Headless,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// WriteGlobal writes the config to the XDG global location.
func WriteGlobal(cfg *Config) error {
	path := GlobalPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return writeFile(path, cfg)
}

// WriteProject writes the config to the project-local location.
func WriteProject(cfg *Config) error {
	return writeFile(ProjectPath(), cfg)
}

func writeFile(path string, cfg *Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
