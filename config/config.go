// Package config loads the tutorbot configuration from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shaharia-lab/tutorbot/observability"
	"gopkg.in/yaml.v3"
)

// Completion backends.
const (
	BackendOpenRouter = "openrouter"
	BackendAnthropic  = "anthropic"
	BackendNoop       = "noop"
)

// Session snapshot backends.
const (
	SessionBackendFile   = "file"
	SessionBackendSQLite = "sqlite"
	SessionBackendMemory = "memory"
)

// ValidBackends lists the supported completion backends.
var ValidBackends = []string{BackendOpenRouter, BackendAnthropic, BackendNoop}

// ValidSessionBackends lists the supported snapshot backends.
var ValidSessionBackends = []string{SessionBackendFile, SessionBackendSQLite, SessionBackendMemory}

// Config is the full tutorbot configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Completion CompletionConfig        `yaml:"completion"`
	Delivery   DeliveryConfig          `yaml:"delivery"`
	Sessions   SessionConfig           `yaml:"sessions"`
	Logging    observability.LogConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	// ShutdownTimeout bounds graceful shutdown, e.g. "10s".
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// CompletionConfig selects and tunes the completion backend.
type CompletionConfig struct {
	Backend          string  `yaml:"backend"`
	OpenRouterAPIKey string  `yaml:"openrouter_api_key"`
	AnthropicAPIKey  string  `yaml:"anthropic_api_key"`
	Model            string  `yaml:"model"`
	MaxTokens        int64   `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	TopP             float64 `yaml:"top_p"`
}

// DeliveryConfig holds the outbound WhatsApp provider credentials.
type DeliveryConfig struct {
	UltraMsg UltraMsgConfig `yaml:"ultramsg"`
	Gupshup  GupshupConfig  `yaml:"gupshup"`
	// RateLimit caps sends per second and provider. Zero disables throttling.
	RateLimit float64 `yaml:"rate_limit"`
}

// UltraMsgConfig holds UltraMsg credentials.
type UltraMsgConfig struct {
	Token      string `yaml:"token"`
	InstanceID string `yaml:"instance_id"`
	BaseURL    string `yaml:"base_url"`
}

// GupshupConfig holds Gupshup credentials.
type GupshupConfig struct {
	APIKey       string `yaml:"api_key"`
	AppName      string `yaml:"app_name"`
	SourceNumber string `yaml:"source_number"`
	BaseURL      string `yaml:"base_url"`
}

// SessionConfig configures the session store and its snapshot backend.
type SessionConfig struct {
	Backend       string `yaml:"backend"`
	File          string `yaml:"file"`
	SQLitePath    string `yaml:"sqlite_path"`
	MaxHistory    int    `yaml:"max_history"`
	Timeout       string `yaml:"timeout"`
	SweepInterval string `yaml:"sweep_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "3000",
			ShutdownTimeout: "10s",
		},
		Completion: CompletionConfig{
			Backend:     BackendOpenRouter,
			Model:       "openai/gpt-3.5-turbo",
			MaxTokens:   500,
			Temperature: 0.7,
			TopP:        1,
		},
		Delivery: DeliveryConfig{
			RateLimit: 5,
		},
		Sessions: SessionConfig{
			Backend:       SessionBackendFile,
			File:          "sessions.json",
			SQLitePath:    "sessions.db",
			MaxHistory:    5,
			Timeout:       "24h",
			SweepInterval: "1h",
		},
		Logging: observability.LogConfig{
			Backend: "zap",
			Level:   "info",
			Format:  "json",
		},
	}
}

// Load reads path when it is non-empty and exists, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// defaults
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}

	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.Completion.OpenRouterAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Completion.AnthropicAPIKey = v
	}
	if v := os.Getenv("COMPLETION_BACKEND"); v != "" {
		c.Completion.Backend = strings.ToLower(v)
	}

	if v := os.Getenv("ULTRAMSG_TOKEN"); v != "" {
		c.Delivery.UltraMsg.Token = v
	}
	if v := os.Getenv("ULTRAMSG_INSTANCE_ID"); v != "" {
		c.Delivery.UltraMsg.InstanceID = v
	}
	if v := os.Getenv("GUPSHUP_API_KEY"); v != "" {
		c.Delivery.Gupshup.APIKey = v
	}
	if v := os.Getenv("GUPSHUP_APP_NAME"); v != "" {
		c.Delivery.Gupshup.AppName = v
	}
	if v := os.Getenv("GUPSHUP_SOURCE_NUMBER"); v != "" {
		c.Delivery.Gupshup.SourceNumber = v
	}

	// Production deployments run on ephemeral disks and keep sessions in memory
	// unless a backend is named explicitly.
	if os.Getenv("NODE_ENV") == "production" {
		c.Sessions.Backend = SessionBackendMemory
	}
	if v := os.Getenv("SESSION_BACKEND"); v != "" {
		c.Sessions.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("SESSION_FILE"); v != "" {
		c.Sessions.File = v
	}
	if v := os.Getenv("SESSION_DB"); v != "" {
		c.Sessions.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_BACKEND"); v != "" {
		c.Logging.Backend = v
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// GetShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetSessionTimeout returns the session inactivity timeout.
func (c *Config) GetSessionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sessions.Timeout)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetSweepInterval returns the background eviction interval. Zero disables the sweeper.
func (c *Config) GetSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Sessions.SweepInterval)
	if err != nil {
		return time.Hour
	}
	return d
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Validate rejects configurations the server cannot start with. Missing provider credentials are
// not an error: the affected provider reports itself unconfigured at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if _, err := time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("invalid shutdown timeout %q: %w", c.Server.ShutdownTimeout, err))
	}

	if !contains(ValidBackends, c.Completion.Backend) {
		errs = append(errs, fmt.Errorf("invalid completion backend: %s (valid: %v)", c.Completion.Backend, ValidBackends))
	}
	if c.Completion.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("max tokens must be positive, got %d", c.Completion.MaxTokens))
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be within [0, 2], got %v", c.Completion.Temperature))
	}
	if c.Completion.TopP <= 0 || c.Completion.TopP > 1 {
		errs = append(errs, fmt.Errorf("top_p must be within (0, 1], got %v", c.Completion.TopP))
	}

	if c.Delivery.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %v", c.Delivery.RateLimit))
	}

	if !contains(ValidSessionBackends, c.Sessions.Backend) {
		errs = append(errs, fmt.Errorf("invalid session backend: %s (valid: %v)", c.Sessions.Backend, ValidSessionBackends))
	}
	if c.Sessions.Backend == SessionBackendFile && c.Sessions.File == "" {
		errs = append(errs, errors.New("session file is required for the file backend"))
	}
	if c.Sessions.Backend == SessionBackendSQLite && c.Sessions.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite path is required for the sqlite backend"))
	}
	if c.Sessions.MaxHistory < 1 {
		errs = append(errs, fmt.Errorf("max history must be at least 1, got %d", c.Sessions.MaxHistory))
	}
	if d, err := time.ParseDuration(c.Sessions.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("invalid session timeout %q", c.Sessions.Timeout))
	}
	if d, err := time.ParseDuration(c.Sessions.SweepInterval); err != nil || d < 0 {
		errs = append(errs, fmt.Errorf("invalid sweep interval %q", c.Sessions.SweepInterval))
	}

	return errors.Join(errs...)
}
