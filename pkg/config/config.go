// Package config loads relay configuration from an optional yaml file and
// the environment, environment winning.
package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type TelegramConfig struct {
	AppID   int    `koanf:"api_id"`
	AppHash string `koanf:"api_hash"`
	Session string `koanf:"session"`
}

type ServerConfig struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	StaticDir string `koanf:"static_dir"`
}

type Config struct {
	Mode         string         `koanf:"mode"`
	Telegram     TelegramConfig `koanf:"telegram"`
	Server       ServerConfig   `koanf:"server"`
	HistoryLimit int            `koanf:"history_limit"`
	LogDir       string         `koanf:"log_dir"`
}

// DefaultConfig returns the defaults a bare deployment starts from.
func DefaultConfig() *Config {
	return &Config{
		Mode: "shared",
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      3000,
			StaticDir: "public",
		},
		HistoryLimit: 100,
		LogDir:       "logs",
	}
}

// Load reads the optional yaml file at path, then overlays the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKey maps the environment variables the deployment uses onto config
// keys. Unknown variables are ignored.
func envKey(s string) string {
	switch s {
	case "TELEGRAM_API_ID":
		return "telegram.api_id"
	case "TELEGRAM_API_HASH":
		return "telegram.api_hash"
	case "TELEGRAM_SESSION":
		return "telegram.session"
	case "PORT":
		return "server.port"
	case "TGRELAY_MODE":
		return "mode"
	case "TGRELAY_LOG_DIR":
		return "log_dir"
	case "TGRELAY_STATIC_DIR":
		return "server.static_dir"
	}
	return ""
}

// Validate checks the startup requirements for the selected mode. Shared and
// external deployments cannot come up without upstream credentials.
func (c *Config) Validate() error {
	switch c.Mode {
	case "shared", "external":
		if c.Telegram.AppID <= 0 || c.Telegram.AppHash == "" || c.Telegram.Session == "" {
			return fmt.Errorf("missing required configuration: set TELEGRAM_API_ID, TELEGRAM_API_HASH and TELEGRAM_SESSION (or the telegram section of the config file)")
		}
	case "perviewer":
		// Viewers bring their own credentials.
	default:
		return fmt.Errorf("unknown mode %q (want shared, perviewer or external)", c.Mode)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}
