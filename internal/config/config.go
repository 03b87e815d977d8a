// ABOUTME: Configuration loading and parsing for codebolt-router.
// ABOUTME: YAML or TOML files with environment variable expansion and duration parsing.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config location.
const EnvConfigPath = "CODEBOLT_ROUTER_CONFIG"

// ErrNoConfig indicates no config file was found at any lookup location.
var ErrNoConfig = errors.New("no config file found")

// Config represents the complete codebolt-router configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Approvals ApprovalsConfig `yaml:"approvals" toml:"approvals"`
	Tools     ToolsConfig     `yaml:"tools" toml:"tools"`
	Remote    RemoteConfig    `yaml:"remote" toml:"remote"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC transport
}

// TailscaleConfig holds Tailscale tsnet configuration.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds the audit store location. Empty disables auditing.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds handshake authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// Required rejects connections without a valid token. Without it tokens
	// are verified when present and anonymous peers are admitted.
	Required bool `yaml:"required" toml:"required"`
}

// AgentCommand is the command line used to start one agent type.
type AgentCommand struct {
	Path string            `yaml:"path" toml:"path"`
	Args []string          `yaml:"args" toml:"args"`
	Dir  string            `yaml:"dir" toml:"dir"`
	Env  map[string]string `yaml:"env" toml:"env"`
}

// AgentsConfig holds agent spawning configuration.
type AgentsConfig struct {
	DefaultType string                  `yaml:"default_type" toml:"default_type"`
	RouterURL   string                  `yaml:"router_url" toml:"router_url"`
	Commands    map[string]AgentCommand `yaml:"commands" toml:"commands"`

	ReadyTimeout time.Duration `yaml:"-" toml:"-"`
	StopGrace    time.Duration `yaml:"-" toml:"-"`

	ReadyTimeoutRaw string `yaml:"ready_timeout" toml:"ready_timeout"`
	StopGraceRaw    string `yaml:"stop_grace" toml:"stop_grace"`
}

// ApprovalsConfig holds approval-gated file operation settings.
type ApprovalsConfig struct {
	// WorkspaceRoot resolves relative file paths. Defaults to the working directory.
	WorkspaceRoot string `yaml:"workspace_root" toml:"workspace_root"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// ToolsConfig holds the tool catalog settings.
type ToolsConfig struct {
	Enabled       []string `yaml:"enabled" toml:"enabled"` // empty enables every toolbox
	WorkspaceRoot string   `yaml:"workspace_root" toml:"workspace_root"`
	MaxReadBytes  int64    `yaml:"max_read_bytes" toml:"max_read_bytes"`

	Timeout      time.Duration `yaml:"-" toml:"-"`
	FetchTimeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	FetchTimeoutRaw string `yaml:"fetch_timeout" toml:"fetch_timeout"`
}

// Remote proxy kinds.
const (
	RemoteNone      = ""
	RemoteWebSocket = "websocket"
	RemoteNATS      = "nats"
)

// RemoteConfig selects and configures the remote proxy.
type RemoteConfig struct {
	Kind          string `yaml:"kind" toml:"kind"`
	URL           string `yaml:"url" toml:"url"`
	Token         string `yaml:"token" toml:"token"`
	SubjectPrefix string `yaml:"subject_prefix" toml:"subject_prefix"`

	MinBackoff time.Duration `yaml:"-" toml:"-"`
	MaxBackoff time.Duration `yaml:"-" toml:"-"`

	MinBackoffRaw string `yaml:"min_backoff" toml:"min_backoff"`
	MaxBackoffRaw string `yaml:"max_backoff" toml:"max_backoff"`
}

// TransportConfig holds per-connection transport limits.
type TransportConfig struct {
	MaxMessageBytes int64   `yaml:"max_message_bytes" toml:"max_message_bytes"`
	RateLimit       float64 `yaml:"rate_limit" toml:"rate_limit"` // envelopes per second, 0 = unlimited
	RateBurst       int     `yaml:"rate_burst" toml:"rate_burst"`
	DedupeSize      int     `yaml:"dedupe_size" toml:"dedupe_size"`

	PingInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeTTL    time.Duration `yaml:"-" toml:"-"`

	PingIntervalRaw string `yaml:"ping_interval" toml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
	// Output is "stdout", "stderr" or a file path for the span exporter.
	Output string `yaml:"output" toml:"output"`
}

// Default returns a Config populated with defaults. Load overlays files on it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:7070"},
		Agents: AgentsConfig{
			DefaultType:     "marketplace",
			ReadyTimeoutRaw: "30s",
			StopGraceRaw:    "5s",
		},
		Approvals: ApprovalsConfig{TimeoutRaw: "5m"},
		Tools: ToolsConfig{
			MaxReadBytes:    1 << 20,
			TimeoutRaw:      "60s",
			FetchTimeoutRaw: "20s",
		},
		Remote: RemoteConfig{
			SubjectPrefix: "codebolt",
			MinBackoffRaw: "500ms",
			MaxBackoffRaw: "30s",
		},
		Transport: TransportConfig{
			MaxMessageBytes: 32 << 20,
			RateLimit:       200,
			RateBurst:       400,
			DedupeSize:      10000,
			PingIntervalRaw: "30s",
			WriteTimeoutRaw: "10s",
			DedupeTTLRaw:    "10m",
		},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Telemetry: TelemetryConfig{ServiceName: "codebolt-router", Output: "stdout"},
	}
}

// ResolvePath picks the config file to load: explicit, then the
// environment, then the XDG location. It returns ErrNoConfig when none exists.
func ResolvePath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locating home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(base, "codebolt-router", name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", ErrNoConfig
}

// Load reads a configuration file, expands ${VAR} references and parses
// durations. Files ending in .toml are TOML; everything else is YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content over the defaults.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Approvals.WorkspaceRoot = expandHome(cfg.Approvals.WorkspaceRoot)
	cfg.Tools.WorkspaceRoot = expandHome(cfg.Tools.WorkspaceRoot)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "".
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth.required is set")
	}

	switch c.Remote.Kind {
	case RemoteNone:
	case RemoteWebSocket, RemoteNATS:
		if c.Remote.URL == "" {
			return fmt.Errorf("remote.url is required for remote kind %q", c.Remote.Kind)
		}
	default:
		return fmt.Errorf("remote.kind %q is not one of websocket, nats", c.Remote.Kind)
	}

	for name, cmd := range c.Agents.Commands {
		if cmd.Path == "" {
			return fmt.Errorf("agents.commands.%s.path is required", name)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	if c.Transport.RateLimit < 0 {
		return errors.New("transport.rate_limit must not be negative")
	}
	if c.Approvals.Timeout < 0 {
		return errors.New("approvals.timeout must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func (c *Config) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agents.ready_timeout", c.Agents.ReadyTimeoutRaw, &c.Agents.ReadyTimeout},
		{"agents.stop_grace", c.Agents.StopGraceRaw, &c.Agents.StopGrace},
		{"approvals.timeout", c.Approvals.TimeoutRaw, &c.Approvals.Timeout},
		{"tools.timeout", c.Tools.TimeoutRaw, &c.Tools.Timeout},
		{"tools.fetch_timeout", c.Tools.FetchTimeoutRaw, &c.Tools.FetchTimeout},
		{"remote.min_backoff", c.Remote.MinBackoffRaw, &c.Remote.MinBackoff},
		{"remote.max_backoff", c.Remote.MaxBackoffRaw, &c.Remote.MaxBackoff},
		{"transport.ping_interval", c.Transport.PingIntervalRaw, &c.Transport.PingInterval},
		{"transport.write_timeout", c.Transport.WriteTimeoutRaw, &c.Transport.WriteTimeout},
		{"transport.dedupe_ttl", c.Transport.DedupeTTLRaw, &c.Transport.DedupeTTL},
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
