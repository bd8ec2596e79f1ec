// Package config provides configuration management for Cowork.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the Cowork orchestrator.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Session SessionConfig `mapstructure:"session"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration for the UI gateway.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig holds configuration for the agent CLI subprocess.
type AgentConfig struct {
	// Command is the agent CLI binary to spawn (resolved via PATH).
	Command string `mapstructure:"command"`

	// WorkingDir is the initial working directory the agent is scoped to.
	// Empty means no session is loaded until the UI selects one.
	WorkingDir string `mapstructure:"workingDir"`

	// ApprovalTimeout is how long the approval registry waits for a
	// human decision before treating the request as denied, in seconds.
	ApprovalTimeout int `mapstructure:"approvalTimeout"`

	// HookTimeout is the hard timeout baked into the generated hook
	// script, in seconds. Kept shorter than ApprovalTimeout so the
	// registry always resolves first and never double-resolves.
	HookTimeout int `mapstructure:"hookTimeout"`
}

// SessionConfig holds chat-history persistence configuration.
type SessionConfig struct {
	// DataDir is where session files are stored.
	// Default: ~/.cowork
	DataDir string `mapstructure:"dataDir"`

	// SaveDebounce is the delay between an in-memory mutation and the
	// persisted write, in milliseconds. Rapid message arrivals coalesce
	// into a single write.
	SaveDebounce int `mapstructure:"saveDebounce"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means session events stay on the in-memory bus only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ApprovalTimeoutDuration returns the approval timeout as a time.Duration.
func (a *AgentConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(a.ApprovalTimeout) * time.Second
}

// HookTimeoutDuration returns the hook timeout as a time.Duration.
func (a *AgentConfig) HookTimeoutDuration() time.Duration {
	return time.Duration(a.HookTimeout) * time.Second
}

// SaveDebounceDuration returns the save debounce as a time.Duration.
func (s *SessionConfig) SaveDebounceDuration() time.Duration {
	return time.Duration(s.SaveDebounce) * time.Millisecond
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("COWORK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults - loopback only, the gateway serves a local UI
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8735)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.workingDir", "")
	v.SetDefault("agent.approvalTimeout", 120)
	v.SetDefault("agent.hookTimeout", 110)

	// Session defaults
	v.SetDefault("session.dataDir", "")
	v.SetDefault("session.saveDebounce", 2000)

	// NATS defaults - empty URL means in-memory event bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cowork")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COWORK_ with snake_case naming.
// The config file should be named config.yaml and placed in the current
// directory or /etc/cowork/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("COWORK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from
	// config key naming.
	_ = v.BindEnv("agent.workingDir", "COWORK_AGENT_WORKING_DIR")
	_ = v.BindEnv("agent.approvalTimeout", "COWORK_AGENT_APPROVAL_TIMEOUT")
	_ = v.BindEnv("agent.hookTimeout", "COWORK_AGENT_HOOK_TIMEOUT")
	_ = v.BindEnv("session.dataDir", "COWORK_SESSION_DATA_DIR")
	_ = v.BindEnv("session.saveDebounce", "COWORK_SESSION_SAVE_DEBOUNCE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cowork/")

	// Read config file (ignore if not found)
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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.ApprovalTimeout <= 0 {
		errs = append(errs, "agent.approvalTimeout must be positive")
	}
	if cfg.Agent.HookTimeout <= 0 {
		errs = append(errs, "agent.hookTimeout must be positive")
	}
	if cfg.Agent.HookTimeout >= cfg.Agent.ApprovalTimeout {
		errs = append(errs, "agent.hookTimeout must be shorter than agent.approvalTimeout")
	}

	if cfg.Session.SaveDebounce <= 0 {
		errs = append(errs, "session.saveDebounce must be positive")
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
