// ABOUTME: Configuration loading and parsing for fleetd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleetd configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Auth          AuthConfig          `yaml:"auth"`
	Agents        AgentsConfig        `yaml:"agents"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Ingest        IngestConfig        `yaml:"ingest"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds listener addresses and the externally visible URL.
type ServerConfig struct {
	AgentAddr   string `yaml:"agent_addr"`   // websocket listener for agents
	HTTPAddr    string `yaml:"http_addr"`    // user-facing HTTP API
	FrontendURL string `yaml:"frontend_url"` // used in notification links
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentsConfig holds agent session timing and queue configuration
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	OutboundQueueSize int           `yaml:"outbound_queue_size"`

	// Raw string value for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// DispatchConfig holds batch command dispatcher tuning.
type DispatchConfig struct {
	SendAckTimeout      time.Duration `yaml:"-"`
	ChildTimeoutDefault time.Duration `yaml:"-"`
	ChildTimeoutMax     time.Duration `yaml:"-"`
	CancelGrace         time.Duration `yaml:"-"`
	LogRoot             string        `yaml:"log_root"`
	ChildLogCapBytes    int64         `yaml:"child_log_cap_bytes"`
	MaxCommandPayload   int           `yaml:"max_command_payload"`

	SendAckTimeoutRaw  string `yaml:"send_ack_timeout"`
	ChildTimeoutRaw    string `yaml:"child_timeout_default"`
	ChildTimeoutMaxRaw string `yaml:"child_timeout_max"`
	CancelGraceRaw     string `yaml:"cancel_grace"`
}

// IngestConfig holds metric ingest pipeline tuning.
type IngestConfig struct {
	BatchMax       int           `yaml:"batch_max"`
	FlushInterval  time.Duration `yaml:"-"`
	AgentRateLimit int           `yaml:"agent_rate_limit"` // samples/sec per agent

	FlushIntervalRaw string `yaml:"flush_interval"`
}

// NotificationsConfig holds notification delivery configuration.
type NotificationsConfig struct {
	// EncryptionKey decrypts channel config blobs at rest.
	EncryptionKey string `yaml:"encryption_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied after parsing when the file leaves fields unset.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultOutboundQueueSize = 1024
	DefaultSendAckTimeout    = 10 * time.Second
	DefaultChildTimeout      = 5 * time.Minute
	DefaultChildTimeoutMax   = 30 * time.Minute
	DefaultCancelGrace       = 5 * time.Second
	DefaultChildLogCap       = 50 << 20 // 50 MiB
	DefaultMaxPayload        = 256 << 10
	DefaultIngestBatchMax    = 500
	DefaultFlushInterval     = time.Second
	DefaultAgentRateLimit    = 10
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

func (c *Config) applyDefaults() {
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.OutboundQueueSize == 0 {
		c.Agents.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.Dispatch.SendAckTimeout == 0 {
		c.Dispatch.SendAckTimeout = DefaultSendAckTimeout
	}
	if c.Dispatch.ChildTimeoutDefault == 0 {
		c.Dispatch.ChildTimeoutDefault = DefaultChildTimeout
	}
	if c.Dispatch.ChildTimeoutMax == 0 {
		c.Dispatch.ChildTimeoutMax = DefaultChildTimeoutMax
	}
	if c.Dispatch.CancelGrace == 0 {
		c.Dispatch.CancelGrace = DefaultCancelGrace
	}
	if c.Dispatch.ChildLogCapBytes == 0 {
		c.Dispatch.ChildLogCapBytes = DefaultChildLogCap
	}
	if c.Dispatch.MaxCommandPayload == 0 {
		c.Dispatch.MaxCommandPayload = DefaultMaxPayload
	}
	if c.Dispatch.LogRoot == "" {
		c.Dispatch.LogRoot = "command-logs"
	}
	if c.Ingest.BatchMax == 0 {
		c.Ingest.BatchMax = DefaultIngestBatchMax
	}
	if c.Ingest.FlushInterval == 0 {
		c.Ingest.FlushInterval = DefaultFlushInterval
	}
	if c.Ingest.AgentRateLimit == 0 {
		c.Ingest.AgentRateLimit = DefaultAgentRateLimit
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.AgentAddr == "" {
		return fmt.Errorf("server.agent_addr is required")
	}
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Notifications.EncryptionKey == "" {
		return fmt.Errorf("notifications.encryption_key is required")
	}
	if c.Dispatch.ChildTimeoutDefault > c.Dispatch.ChildTimeoutMax {
		return fmt.Errorf("dispatch.child_timeout_default exceeds dispatch.child_timeout_max")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval, "heartbeat_interval"},
		{cfg.Dispatch.SendAckTimeoutRaw, &cfg.Dispatch.SendAckTimeout, "send_ack_timeout"},
		{cfg.Dispatch.ChildTimeoutRaw, &cfg.Dispatch.ChildTimeoutDefault, "child_timeout_default"},
		{cfg.Dispatch.ChildTimeoutMaxRaw, &cfg.Dispatch.ChildTimeoutMax, "child_timeout_max"},
		{cfg.Dispatch.CancelGraceRaw, &cfg.Dispatch.CancelGrace, "cancel_grace"},
		{cfg.Ingest.FlushIntervalRaw, &cfg.Ingest.FlushInterval, "flush_interval"},
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

	return nil
}
