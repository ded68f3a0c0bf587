// Package config loads and validates the mira configuration.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the main mira configuration.
type Config struct {
	// Workspace path handed to sessions as their working directory
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	// Data directory for the message store
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Provider ProviderConfig `json:"provider" mapstructure:"provider"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Session  SessionConfig  `json:"session" mapstructure:"session"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
}

// ProviderConfig selects and authenticates the generative-AI backend.
type ProviderConfig struct {
	Name   string `json:"name" mapstructure:"name"` // anthropic, openai
	APIKey string `json:"api_key" mapstructure:"api_key"`
	Model  string `json:"model" mapstructure:"model"`
}

// GatewayConfig holds gateway server configuration.
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	IdleTimeout  time.Duration `json:"idle_timeout" mapstructure:"idle_timeout"`
	ReapSchedule string        `json:"reap_schedule" mapstructure:"reap_schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			Name: "anthropic",
		},
		Gateway: GatewayConfig{
			Port: 8765,
		},
		Session: SessionConfig{
			IdleTimeout:  30 * time.Minute,
			ReapSchedule: "@every 5m",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
	}
}

// String renders the config as indented JSON with the API key and
// shared secret masked.
func (c *Config) String() string {
	masked := *c
	if masked.Provider.APIKey != "" {
		masked.Provider.APIKey = "***"
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}

	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
