// ABOUTME: Configuration loading and parsing for coven-agentd
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Transport names.
const (
	TransportGRPC      = "grpc"
	TransportWebSocket = "websocket"
)

// EnvConfigPath names the environment variable consulted by ResolvePath.
const EnvConfigPath = "COVEN_AGENTD_CONFIG"

// minSecretLen is the shortest accepted jwt_secret.
const minSecretLen = 32

// Config represents the complete coven-agentd configuration
type Config struct {
	Agent      AgentConfig              `yaml:"agent" toml:"agent"`
	Controller ControllerConfig         `yaml:"controller" toml:"controller"`
	Messaging  MessagingConfig          `yaml:"messaging" toml:"messaging"`
	Workers    WorkersConfig            `yaml:"workers" toml:"workers"`
	Database   DatabaseConfig           `yaml:"database" toml:"database"`
	Scripts    ScriptsConfig            `yaml:"scripts" toml:"scripts"`
	Commands   map[string]CommandConfig `yaml:"commands" toml:"commands"`
	Logging    LoggingConfig            `yaml:"logging" toml:"logging"`
}

// AgentConfig identifies this agent
type AgentConfig struct {
	ID string `yaml:"id" toml:"id"`

	// DrainTimeout bounds how long shutdown waits for live requests.
	DrainTimeout    time.Duration `yaml:"-" toml:"-"`
	DrainTimeoutRaw string        `yaml:"drain_timeout" toml:"drain_timeout"`
}

// ControllerConfig describes how to reach and authenticate to the controller
type ControllerConfig struct {
	URL       string `yaml:"url" toml:"url"`
	Transport string `yaml:"transport" toml:"transport"` // grpc or websocket; inferred from the URL when empty

	// Exactly one credential is used, in this order of preference.
	SSHKey    string `yaml:"ssh_key" toml:"ssh_key"`
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	Token     string `yaml:"token" toml:"token"`

	TokenTTL          time.Duration `yaml:"-" toml:"-"`
	ReconnectInterval time.Duration `yaml:"-" toml:"-"`
	ReconnectBurst    int           `yaml:"reconnect_burst" toml:"reconnect_burst"`

	// Raw string values for unmarshaling
	TokenTTLRaw          string `yaml:"token_ttl" toml:"token_ttl"`
	ReconnectIntervalRaw string `yaml:"reconnect_interval" toml:"reconnect_interval"`
}

// MessagingConfig holds the reliable messaging timers and limits
type MessagingConfig struct {
	ResendTimeout     time.Duration `yaml:"-" toml:"-"`
	ExpiryGrace       time.Duration `yaml:"-" toml:"-"`
	NackLinger        time.Duration `yaml:"-" toml:"-"`
	AckCleanupTimeout time.Duration `yaml:"-" toml:"-"`
	RequestTimeout    time.Duration `yaml:"-" toml:"-"`

	ResendThreshold int `yaml:"resend_threshold" toml:"resend_threshold"`
	MaxAtOnce       int `yaml:"max_at_once" toml:"max_at_once"`

	// Raw string values for unmarshaling
	ResendTimeoutRaw     string `yaml:"resend_timeout" toml:"resend_timeout"`
	ExpiryGraceRaw       string `yaml:"expiry_grace" toml:"expiry_grace"`
	NackLingerRaw        string `yaml:"nack_linger" toml:"nack_linger"`
	AckCleanupTimeoutRaw string `yaml:"ack_cleanup_timeout" toml:"ack_cleanup_timeout"`
	RequestTimeoutRaw    string `yaml:"request_timeout" toml:"request_timeout"`
}

// WorkersConfig sizes the command worker pool
type WorkersConfig struct {
	Count     int `yaml:"count" toml:"count"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`

	// JobRetention is how long finished long-running jobs stay queryable.
	JobRetention    time.Duration `yaml:"-" toml:"-"`
	JobRetentionRaw string        `yaml:"job_retention" toml:"job_retention"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ScriptsConfig locates scripts for run_script commands
type ScriptsConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// CommandConfig declares one extra command
type CommandConfig struct {
	Plugin      string            `yaml:"plugin" toml:"plugin"`
	Script      string            `yaml:"script" toml:"script"`
	LongRunning bool              `yaml:"long_running" toml:"long_running"`
	Env         map[string]string `yaml:"env" toml:"env"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ResolvePath picks the config file: the explicit path, then
// $COVEN_AGENTD_CONFIG, then ./agentd.yaml.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return "agentd.yaml"
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are TOML; anything else is YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes, defaults and validates configuration text.
func Parse(text string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(text, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// ApplyDefaults fills unset fields. Messaging timers left at zero are
// filled by the messaging package itself.
func (c *Config) ApplyDefaults() {
	if c.Agent.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Agent.ID = host
		}
	}
	if c.Agent.DrainTimeout == 0 {
		c.Agent.DrainTimeout = 30 * time.Second
	}
	if c.Controller.Transport == "" {
		c.Controller.Transport = inferTransport(c.Controller.URL)
	}
	if c.Controller.TokenTTL == 0 {
		c.Controller.TokenTTL = time.Hour
	}
	if c.Controller.ReconnectInterval == 0 {
		c.Controller.ReconnectInterval = 5 * time.Second
	}
	if c.Controller.ReconnectBurst == 0 {
		c.Controller.ReconnectBurst = 3
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 4
	}
	if c.Workers.QueueSize == 0 {
		c.Workers.QueueSize = 64
	}
	if c.Workers.JobRetention == 0 {
		c.Workers.JobRetention = time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func inferTransport(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return TransportWebSocket
	}
	return TransportGRPC
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return errors.New("agent.id is required")
	}
	if c.Agent.DrainTimeout < 0 {
		return errors.New("agent.drain_timeout must not be negative")
	}

	if c.Controller.URL == "" {
		return errors.New("controller.url is required")
	}
	switch c.Controller.Transport {
	case TransportGRPC:
	case TransportWebSocket:
		u, err := url.Parse(c.Controller.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("controller.url %q must be a ws:// or wss:// URL for the websocket transport", c.Controller.URL)
		}
	default:
		return fmt.Errorf("controller.transport %q must be %q or %q", c.Controller.Transport, TransportGRPC, TransportWebSocket)
	}
	if c.Controller.SSHKey == "" && c.Controller.JWTSecret == "" && c.Controller.Token == "" {
		return errors.New("one of controller.ssh_key, controller.jwt_secret or controller.token is required")
	}
	if c.Controller.JWTSecret != "" && len(c.Controller.JWTSecret) < minSecretLen {
		return fmt.Errorf("controller.jwt_secret must be at least %d bytes", minSecretLen)
	}
	if c.Controller.ReconnectInterval < 0 || c.Controller.ReconnectBurst < 0 {
		return errors.New("controller reconnect settings must not be negative")
	}

	m := c.Messaging
	for name, d := range map[string]time.Duration{
		"resend_timeout":      m.ResendTimeout,
		"expiry_grace":        m.ExpiryGrace,
		"nack_linger":         m.NackLinger,
		"ack_cleanup_timeout": m.AckCleanupTimeout,
		"request_timeout":     m.RequestTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("messaging.%s must not be negative", name)
		}
	}
	if m.ResendThreshold < 0 || m.MaxAtOnce < 0 {
		return errors.New("messaging.resend_threshold and messaging.max_at_once must not be negative")
	}

	if c.Workers.Count < 1 || c.Workers.QueueSize < 1 {
		return errors.New("workers.count and workers.queue_size must be positive")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	for name, cmd := range c.Commands {
		if name == "" {
			return errors.New("commands: empty command name")
		}
		if cmd.Script != "" && c.Scripts.Dir == "" {
			return fmt.Errorf("commands.%s: scripts.dir is required for script commands", name)
		}
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}
	return nil
}

// SlogLevel maps logging.level onto a slog.Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q must be debug, info, warn or error", l.Level)
	}
}

// GRPCTarget returns the dial target for the gRPC transport: the URL's
// host:port, or the URL unchanged when it has no scheme.
func (c ControllerConfig) GRPCTarget() string {
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		return c.URL
	}
	return u.Host
}

// EnvList renders a command's env map as sorted KEY=VALUE pairs.
func (c CommandConfig) EnvList() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"agent.drain_timeout", cfg.Agent.DrainTimeoutRaw, &cfg.Agent.DrainTimeout},
		{"controller.token_ttl", cfg.Controller.TokenTTLRaw, &cfg.Controller.TokenTTL},
		{"controller.reconnect_interval", cfg.Controller.ReconnectIntervalRaw, &cfg.Controller.ReconnectInterval},
		{"messaging.resend_timeout", cfg.Messaging.ResendTimeoutRaw, &cfg.Messaging.ResendTimeout},
		{"messaging.expiry_grace", cfg.Messaging.ExpiryGraceRaw, &cfg.Messaging.ExpiryGrace},
		{"messaging.nack_linger", cfg.Messaging.NackLingerRaw, &cfg.Messaging.NackLinger},
		{"messaging.ack_cleanup_timeout", cfg.Messaging.AckCleanupTimeoutRaw, &cfg.Messaging.AckCleanupTimeout},
		{"messaging.request_timeout", cfg.Messaging.RequestTimeoutRaw, &cfg.Messaging.RequestTimeout},
		{"workers.job_retention", cfg.Workers.JobRetentionRaw, &cfg.Workers.JobRetention},
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
