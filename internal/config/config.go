package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/loykin/hostkit/internal/logger"
	"github.com/loykin/hostkit/internal/registry"
	"github.com/loykin/hostkit/internal/shell"
)

// EnvPrefix prefixes environment overrides, e.g. HOSTKIT_ROOT or
// HOSTKIT_SERVER_LISTEN.
const EnvPrefix = "HOSTKIT"

// Config is the top-level TOML structure.
//
//	root = "registry"
//	shell = "/bin/sh"
//	clear_env = false
//	env = ["APP_ENV=prod", "DATA=/srv/${APP_ENV}"]
//
//	[log]
//	level = "info"
//	format = "text"
//	  [log.file]
//	  path = "/var/log/hostkit.log"
//
//	[history]
//	sqlite = "sqlite:///var/lib/hostkit/history.db"
//
//	[server]
//	listen = "127.0.0.1:8088"
//	base_path = "/api"
//	  [server.tls]
//	  enabled = true
//	  dir = "/etc/hostkit/tls"
//	  auto_generate = true
//
//	[metrics]
//	enabled = true
//
//	[[services]]
//	name = "echo"
//	command = "echo"
type Config struct {
	Root     string          `mapstructure:"root"`
	Shell    string          `mapstructure:"shell"`
	ClearEnv bool            `mapstructure:"clear_env"`
	Env      []string        `mapstructure:"env"`
	Log      logger.Config   `mapstructure:"log"`
	History  HistoryConfig   `mapstructure:"history"`
	Server   ServerConfig    `mapstructure:"server"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Services []ServiceConfig `mapstructure:"services"`
}

// HistoryConfig selects the lifecycle event sink. Empty disables history.
type HistoryConfig struct {
	SQLite string `mapstructure:"sqlite"`
}

type ServerConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the API. Either CertFile and KeyFile, or Dir
// (holding tls.crt and tls.key) must be set; with AutoGenerate a self-signed
// pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ServiceConfig seeds a service definition. Existing definitions in the
// registry win over the file.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Command string `mapstructure:"command"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("root", registry.DefaultRoot)
	v.SetDefault("shell", "")
	v.SetDefault("clear_env", false)
	v.SetDefault("env", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.no_time", false)
	v.SetDefault("log.file.path", "")
	v.SetDefault("history.sqlite", "")
	v.SetDefault("server.listen", "127.0.0.1:8088")
	v.SetDefault("server.base_path", "")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.min_version", "1.2")
	v.SetDefault("metrics.enabled", true)
}

// Load reads the TOML file at path, applies HOSTKIT_* environment overrides
// and validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks service definitions and required fields.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("root must not be empty")
	}
	for _, kv := range c.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
			return fmt.Errorf("env entry %q must be KEY=VALUE", kv)
		}
	}
	if t := c.Server.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		return fmt.Errorf("server.tls requires cert_file and key_file, or dir")
	}
	seen := make(map[string]struct{}, len(c.Services))
	for i, s := range c.Services {
		if !shell.ValidName(s.Name) {
			return fmt.Errorf("services[%d]: invalid name %q", i, s.Name)
		}
		if strings.TrimSpace(s.Command) == "" {
			return fmt.Errorf("service %q requires command", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate service name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}
