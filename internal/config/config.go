// ABOUTME: Configuration loading and parsing for coven-swarm
// ABOUTME: Supports YAML files with environment variable expansion, defaults, and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-swarm configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Channel   ChannelConfig   `yaml:"channel"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Health    HealthConfig    `yaml:"health"`
	Autoscale AutoscaleConfig `yaml:"autoscale"`
	Costs     CostsConfig     `yaml:"costs"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// PublicURL is the websocket URL handed to launched agents (ws://host:port/ws)
	PublicURL string `yaml:"public_url"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// AgentSecret keys the credential digest agents present when authenticating
	AgentSecret string `yaml:"agent_secret"`
	// JWTSecret protects the operator HTTP API; empty disables API auth
	JWTSecret string `yaml:"jwt_secret"`
}

// ChannelConfig holds the agent message channel limits and timings
type ChannelConfig struct {
	MaxConnections       int `yaml:"max_connections"`
	ConnectionsPerMinute int `yaml:"connections_per_minute"`
	MessagesPerSecond    int `yaml:"messages_per_second"`
	MaxMessageBytes      int `yaml:"max_message_bytes"`

	AuthTimeout       time.Duration `yaml:"-"`
	HeartbeatInterval time.Duration `yaml:"-"`
	ShutdownGrace     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AuthTimeoutRaw       string `yaml:"auth_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ShutdownGraceRaw     string `yaml:"shutdown_grace"`
}

// AgentsConfig holds agent registry configuration
type AgentsConfig struct {
	MaxAgents    int  `yaml:"max_agents"`
	AutoRegister bool `yaml:"auto_register"`
	// Initial lists agent types deployed at startup
	Initial []InitialAgents `yaml:"initial"`
	// Command, when set, is started for every deployed agent (exec launcher)
	Command []string `yaml:"command"`
}

// InitialAgents describes a batch of agents deployed when the coordinator starts
type InitialAgents struct {
	Type  string `yaml:"type"`
	Count int    `yaml:"count"`
}

// TasksConfig holds task queue configuration
type TasksConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	HistorySize     int `yaml:"history_size"`

	Timeout   time.Duration `yaml:"-"`
	RetryBase time.Duration `yaml:"-"`

	TimeoutRaw   string `yaml:"timeout"`
	RetryBaseRaw string `yaml:"retry_base"`
}

// HealthConfig holds health controller configuration
type HealthConfig struct {
	ResourceThreshold float64 `yaml:"resource_threshold"`
	SustainedSamples  int     `yaml:"sustained_samples"`

	Interval    time.Duration `yaml:"-"`
	IntervalRaw string        `yaml:"interval"`
}

// AutoscaleConfig holds scaling bounds and policy
type AutoscaleConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OnDemand     bool    `yaml:"on_demand"`
	MinAgents    int     `yaml:"min_agents"`
	FallbackType string  `yaml:"fallback_type"`
	LowWater     float64 `yaml:"low_water"`

	IdleTimeout    time.Duration `yaml:"-"`
	IdleTimeoutRaw string        `yaml:"idle_timeout"`
}

// CostsConfig holds the rates used for cost and savings estimates
type CostsConfig struct {
	HourlyRate  float64 `yaml:"hourly_rate"`
	CPUHourRate float64 `yaml:"cpu_hour_rate"`
	GBHourRate  float64 `yaml:"gb_hour_rate"`
	// ManualEstimates maps task type to an estimated manual duration ("45m")
	ManualEstimates map[string]string `yaml:"manual_estimates"`

	DefaultManualEstimate    time.Duration `yaml:"-"`
	DefaultManualEstimateRaw string        `yaml:"default_manual_estimate"`

	manualEstimates map[string]time.Duration
}

// EventsConfig holds outbound event publishing configuration
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
	// Embedded starts an in-process NATS server when nats_url is empty
	Embedded     bool `yaml:"embedded"`
	EmbeddedPort int  `yaml:"embedded_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8090"},
		Database: DatabaseConfig{Path: "coven-swarm.db"},
		Channel: ChannelConfig{
			MaxConnections:       100,
			ConnectionsPerMinute: 10,
			MessagesPerSecond:    10,
			MaxMessageBytes:      64 * 1024,
			AuthTimeout:          10 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			ShutdownGrace:        5 * time.Second,
		},
		Agents: AgentsConfig{
			MaxAgents:    10,
			AutoRegister: true,
		},
		Tasks: TasksConfig{
			MaxRetries:      3,
			MaxPayloadBytes: 32 * 1024,
			HistorySize:     500,
			Timeout:         10 * time.Minute,
			RetryBase:       time.Second,
		},
		Health: HealthConfig{
			ResourceThreshold: 90,
			SustainedSamples:  3,
			Interval:          15 * time.Second,
		},
		Autoscale: AutoscaleConfig{
			Enabled:      true,
			OnDemand:     true,
			MinAgents:    1,
			FallbackType: "generalist",
			LowWater:     0.3,
			IdleTimeout:  5 * time.Minute,
		},
		Costs: CostsConfig{
			HourlyRate:            75,
			CPUHourRate:           0.04,
			GBHourRate:            0.005,
			DefaultManualEstimate: 30 * time.Minute,
		},
		Events:  EventsConfig{Subject: "swarm.events"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values missing from the file keep their defaults.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.AgentSecret == "" {
		return fmt.Errorf("auth.agent_secret is required")
	}
	if c.Channel.MaxConnections <= 0 {
		return fmt.Errorf("channel.max_connections must be positive")
	}
	if c.Channel.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("channel.connections_per_minute must be positive")
	}
	if c.Channel.MessagesPerSecond <= 0 {
		return fmt.Errorf("channel.messages_per_second must be positive")
	}
	if c.Channel.HeartbeatInterval <= 0 {
		return fmt.Errorf("channel.heartbeat_interval must be positive")
	}
	if c.Agents.MaxAgents <= 0 {
		return fmt.Errorf("agents.max_agents must be positive")
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must not be negative")
	}
	if c.Tasks.Timeout <= 0 {
		return fmt.Errorf("tasks.timeout must be positive")
	}
	if c.Autoscale.MinAgents < 0 || c.Autoscale.MinAgents > c.Agents.MaxAgents {
		return fmt.Errorf("autoscale.min_agents must be between 0 and agents.max_agents")
	}
	if c.Autoscale.LowWater < 0 || c.Autoscale.LowWater > 1 {
		return fmt.Errorf("autoscale.low_water must be between 0 and 1")
	}
	if c.Health.ResourceThreshold <= 0 || c.Health.ResourceThreshold > 100 {
		return fmt.Errorf("health.resource_threshold must be in (0, 100]")
	}
	total := 0
	for _, ia := range c.Agents.Initial {
		if ia.Type == "" || ia.Count < 0 {
			return fmt.Errorf("agents.initial entries need a type and a non-negative count")
		}
		total += ia.Count
	}
	if c.Events.EmbeddedPort < 0 || c.Events.EmbeddedPort > 65535 {
		return fmt.Errorf("events.embedded_port must be a valid port")
	}
	if (c.Events.NATSURL != "" || c.Events.Embedded) && c.Events.Subject == "" {
		return fmt.Errorf("events.subject is required when publishing to NATS")
	}
	if total > c.Agents.MaxAgents {
		return fmt.Errorf("agents.initial deploys %d agents, above agents.max_agents (%d)", total, c.Agents.MaxAgents)
	}
	return nil
}

// ManualEstimate returns the estimated manual duration for a task type.
func (c *CostsConfig) ManualEstimate(taskType string) time.Duration {
	if d, ok := c.manualEstimates[taskType]; ok {
		return d
	}
	return c.DefaultManualEstimate
}

// durationField pairs a raw YAML string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"channel.auth_timeout", cfg.Channel.AuthTimeoutRaw, &cfg.Channel.AuthTimeout},
		{"channel.heartbeat_interval", cfg.Channel.HeartbeatIntervalRaw, &cfg.Channel.HeartbeatInterval},
		{"channel.shutdown_grace", cfg.Channel.ShutdownGraceRaw, &cfg.Channel.ShutdownGrace},
		{"tasks.timeout", cfg.Tasks.TimeoutRaw, &cfg.Tasks.Timeout},
		{"tasks.retry_base", cfg.Tasks.RetryBaseRaw, &cfg.Tasks.RetryBase},
		{"health.interval", cfg.Health.IntervalRaw, &cfg.Health.Interval},
		{"autoscale.idle_timeout", cfg.Autoscale.IdleTimeoutRaw, &cfg.Autoscale.IdleTimeout},
		{"costs.default_manual_estimate", cfg.Costs.DefaultManualEstimateRaw, &cfg.Costs.DefaultManualEstimate},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	cfg.Costs.manualEstimates = make(map[string]time.Duration, len(cfg.Costs.ManualEstimates))
	for taskType, raw := range cfg.Costs.ManualEstimates {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing costs.manual_estimates.%s %q: %w", taskType, raw, err)
		}
		cfg.Costs.manualEstimates[taskType] = d
	}

	return nil
}
