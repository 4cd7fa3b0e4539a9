// Package config loads conductord's configuration from defaults, an
// optional config file, and CONDUCTOR_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/EdanStarfire/claudecode-webui-sub001/internal/logger"
)

// Config holds every configuration section conductord reads at startup.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	DataDir  string         `mapstructure:"dataDir"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  logger.Config  `mapstructure:"logging"`
	Debug    DebugConfig    `mapstructure:"debug"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// DatabaseConfig selects and configures the Session Registry backend.
type DatabaseConfig struct {
	// Driver is "file" (default — a directory of per-session JSON state
	// documents, matching spec.md §6's persisted layout), "sqlite", or
	// "postgres".
	Driver string `mapstructure:"driver"`
	// DSN is the sqlite file path or the postgres connection string.
	// Unused when Driver is "file".
	DSN string `mapstructure:"dsn"`
}

// NATSConfig controls the optional NATS-backed event bus.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// AgentConfig controls how the external agent CLI is launched.
type AgentConfig struct {
	// Command is the agent CLI executable (e.g. "claude").
	Command string `mapstructure:"command"`
	// StartupTimeout is loaded with the rest of the section; the launcher
	// and the stream adapter do not read it, so no wait for the agent's
	// first output is bounded by it.
	StartupTimeout time.Duration `mapstructure:"startupTimeout"`
	// MaxStartupRetries bounds the backoff.Retry attempts on transient
	// launch failure.
	MaxStartupRetries int `mapstructure:"maxStartupRetries"`
}

// DebugConfig exposes per-subsystem debug switches, per the CLI surface
// named in spec.md §6.
type DebugConfig struct {
	Session bool `mapstructure:"session"`
	WS      bool `mapstructure:"ws"`
	Adapter bool `mapstructure:"adapter"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		DataDir: "./data",
		Database: DatabaseConfig{
			Driver: "file",
			DSN:    "./data/conductor.db",
		},
		NATS: NATSConfig{Enabled: false, URL: "nats://127.0.0.1:4222"},
		Agent: AgentConfig{
			Command:           "claude",
			StartupTimeout:    20 * time.Second,
			MaxStartupRetries: 3,
		},
		Logging: logger.Config{Level: "info", Format: "", OutputPath: "stdout"},
	}
}

// Load builds a Config from defaults, an optional file at configPath, and
// environment variables prefixed CONDUCTOR_ (e.g. CONDUCTOR_SERVER_PORT).
func Load(configPath string) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
