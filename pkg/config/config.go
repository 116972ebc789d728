// Package config loads and validates YAML configuration for the
// coordinator and the edge agent.
package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfig configures one edge agent.
type AgentConfig struct {
	Server    AgentServerConfig `yaml:"server"`
	Client    ClientConfig      `yaml:"client"`
	Whitelist WhitelistConfig   `yaml:"whitelist"`
	Shell     ShellConfig       `yaml:"shell"`
	Logging   LoggingConfig     `yaml:"logging"`
}

type AgentServerConfig struct {
	URL             string `yaml:"url"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type ClientConfig struct {
	// ID defaults to the machine hostname when left empty.
	ID string `yaml:"id"`
	// Secret is the shared key issued at registration. SecretFile
	// takes precedence when both are set so the key can stay out of
	// the config file.
	Secret            string `yaml:"secret"`
	SecretFile        string `yaml:"secret_file"`
	PollInterval      int    `yaml:"poll_interval_s"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_s"`
}

type WhitelistConfig struct {
	Path string `yaml:"path"`
}

type ShellConfig struct {
	Enable  bool   `yaml:"enable"`
	Command string `yaml:"command"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ServerConfig configures the coordinator.
type ServerConfig struct {
	Listen         string          `yaml:"listen"`
	DBPath         string          `yaml:"db_path"`
	Whitelist      WhitelistConfig `yaml:"whitelist"`
	FreshnessS     int             `yaml:"freshness_window_s"`
	OfflineAfterS  int             `yaml:"offline_timeout_s"`
	Sessions       SessionsConfig  `yaml:"sessions"`
	AuthRate       AuthRateConfig  `yaml:"auth_rate_limit"`
	Logging        LoggingConfig   `yaml:"logging"`
	Tracing        TracingConfig   `yaml:"tracing"`
	MaxOutputBytes int             `yaml:"max_output_bytes"`
}

type SessionsConfig struct {
	MaxPerClient int `yaml:"max_per_client"`
	IdleTimeoutS int `yaml:"idle_timeout_s"`
	MaxLifetimeS int `yaml:"max_lifetime_s"`
	SweepEveryS  int `yaml:"sweep_interval_s"`
}

type AuthRateConfig struct {
	Limit   int `yaml:"limit"`
	WindowS int `yaml:"window_s"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"otlp_endpoint"`
	Insecure    bool    `yaml:"otlp_insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

// DefaultAgentConfig returns agent defaults matching the protocol's
// documented windows.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConfig{
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Client: ClientConfig{
			PollInterval:      15,
			HeartbeatInterval: 60,
		},
		Shell: ShellConfig{
			Enable:  true,
			Command: "/bin/bash",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// DefaultServerConfig returns coordinator defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:        ":8080",
		DBPath:        "coordinator.db",
		FreshnessS:    300,
		OfflineAfterS: 120,
		Sessions: SessionsConfig{
			MaxPerClient: 3,
			IdleTimeoutS: 1800,
			MaxLifetimeS: 14400,
			SweepEveryS:  30,
		},
		AuthRate: AuthRateConfig{
			Limit:   20,
			WindowS: 60,
		},
		Logging:        LoggingConfig{Level: "info"},
		Tracing:        TracingConfig{SampleRatio: 1},
		MaxOutputBytes: 64 * 1024,
	}
}

// LoadAgent reads an agent config file, applying env overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("RCX_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if id := os.Getenv("RCX_CLIENT_ID"); id != "" {
		cfg.Client.ID = id
	}
	if secret := os.Getenv("RCX_CLIENT_SECRET"); secret != "" {
		cfg.Client.Secret = secret
	}
	if level := os.Getenv("RCX_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return cfg, nil
}

// LoadServer reads a coordinator config file.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	if level := os.Getenv("RCX_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

func loadInto(path string, cfg any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ResolveSecret resolves the client secret, preferring the secret file.
func (c *ClientConfig) ResolveSecret() (string, error) {
	if c.SecretFile != "" {
		data, err := os.ReadFile(c.SecretFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return c.Secret, nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if c.Client.ID == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Client.ID = hostname
		}
	}
	if c.Client.PollInterval < 1 {
		return ErrInvalidInterval
	}
	if c.Client.HeartbeatInterval < 1 {
		c.Client.HeartbeatInterval = 60
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Shell.Command == "" {
		c.Shell.Command = "/bin/bash"
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	if c.DBPath == "" {
		return &Error{"db path is required"}
	}
	if c.FreshnessS <= 0 {
		c.FreshnessS = 300
	}
	if c.OfflineAfterS <= 0 {
		c.OfflineAfterS = 120
	}
	if c.Sessions.MaxPerClient <= 0 {
		c.Sessions.MaxPerClient = 3
	}
	if c.Sessions.IdleTimeoutS <= 0 {
		c.Sessions.IdleTimeoutS = 1800
	}
	if c.Sessions.MaxLifetimeS <= 0 {
		c.Sessions.MaxLifetimeS = 14400
	}
	if c.Sessions.SweepEveryS <= 0 {
		c.Sessions.SweepEveryS = 30
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 64 * 1024
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"poll interval must be >= 1s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
