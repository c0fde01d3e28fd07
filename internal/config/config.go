// ABOUTME: Configuration loading and parsing for coven-swarm agents and coordinators
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "COVEN_SWARM_CONFIG"

// RoleCoordinator marks the process that runs purposes.
const RoleCoordinator = "coordinator"

// Known provider kinds.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Config represents the complete coven-swarm configuration
type Config struct {
	Agent        AgentConfig        `yaml:"agent" toml:"agent"`
	Identity     IdentityConfig     `yaml:"identity" toml:"identity"`
	Transport    TransportConfig    `yaml:"transport" toml:"transport"`
	SharedLog    SharedLogConfig    `yaml:"sharedlog" toml:"sharedlog"`
	Runtime      RuntimeConfig      `yaml:"runtime" toml:"runtime"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Provider     ProviderConfig     `yaml:"provider" toml:"provider"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// AgentConfig describes the agent this process runs as.
type AgentConfig struct {
	ID            string   `yaml:"id" toml:"id"`
	Role          string   `yaml:"role" toml:"role"`
	Capabilities  []string `yaml:"capabilities" toml:"capabilities"`
	TeamID        string   `yaml:"team_id" toml:"team_id"`
	WorkspaceHint string   `yaml:"workspace_hint" toml:"workspace_hint"`
	// Coordinator is the agent that task results and questions go to.
	Coordinator string `yaml:"coordinator" toml:"coordinator"`
}

// IdentityConfig holds key storage and replay window settings
type IdentityConfig struct {
	KeyDir           string `yaml:"key_dir" toml:"key_dir"`
	ReplayMaxEntries int    `yaml:"replay_max_entries" toml:"replay_max_entries"`

	ReplayWindow time.Duration `yaml:"-" toml:"-"`
	FutureSkew   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReplayWindowRaw string `yaml:"replay_window" toml:"replay_window"`
	FutureSkewRaw   string `yaml:"future_skew" toml:"future_skew"`
}

// TransportConfig holds endpoint, port range, and timeout settings
type TransportConfig struct {
	Host                  string `yaml:"host" toml:"host"`
	PortMin               int    `yaml:"port_min" toml:"port_min"`
	PortMax               int    `yaml:"port_max" toml:"port_max"`
	AttachmentsDir        string `yaml:"attachments_dir" toml:"attachments_dir"`
	InlineAttachmentLimit int64  `yaml:"inline_attachment_limit" toml:"inline_attachment_limit"`

	ProbeTimeout      time.Duration `yaml:"-" toml:"-"`
	SendTimeout       time.Duration `yaml:"-" toml:"-"`
	UploadTimeout     time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	ProbeTimeoutRaw      string `yaml:"probe_timeout" toml:"probe_timeout"`
	SendTimeoutRaw       string `yaml:"send_timeout" toml:"send_timeout"`
	UploadTimeoutRaw     string `yaml:"upload_timeout" toml:"upload_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// SharedLogConfig locates the shared append-only log and sets how often
// agents read it for messages they missed
type SharedLogConfig struct {
	Dir string `yaml:"dir" toml:"dir"`

	PollInterval    time.Duration `yaml:"-" toml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval" toml:"poll_interval"`
}

// RuntimeConfig holds conversation budget, condensation, and task execution settings
type RuntimeConfig struct {
	SystemPrompt      string  `yaml:"system_prompt" toml:"system_prompt"`
	ContextWindow     int     `yaml:"context_window" toml:"context_window"`
	CharsPerToken     int     `yaml:"chars_per_token" toml:"chars_per_token"`
	CondenseThreshold float64 `yaml:"condense_threshold" toml:"condense_threshold"`
	MaxMessages       int     `yaml:"max_messages" toml:"max_messages"`
	KeepRecent        int     `yaml:"keep_recent" toml:"keep_recent"`
	KeepFirst         bool    `yaml:"keep_first" toml:"keep_first"`
	Backups           int     `yaml:"backups" toml:"backups"`
	HistoryDir        string  `yaml:"history_dir" toml:"history_dir"`
	HistoryMaxBytes   int64   `yaml:"history_max_bytes" toml:"history_max_bytes"`
	WorkspaceRoot     string  `yaml:"workspace_root" toml:"workspace_root"`
	AllowExec         bool    `yaml:"allow_exec" toml:"allow_exec"`

	CommandTimeout    time.Duration `yaml:"-" toml:"-"`
	CommandTimeoutRaw string        `yaml:"command_timeout" toml:"command_timeout"`
}

// OrchestratorConfig holds coordinator scheduling settings
type OrchestratorConfig struct {
	MaxParallel int    `yaml:"max_parallel" toml:"max_parallel"`
	Remote      bool   `yaml:"remote" toml:"remote"`
	PurposeRoot string `yaml:"purpose_root" toml:"purpose_root"`

	TaskTimeout    time.Duration `yaml:"-" toml:"-"`
	TaskTimeoutRaw string        `yaml:"task_timeout" toml:"task_timeout"`
}

// ProviderConfig selects and configures the completion provider
type ProviderConfig struct {
	Kind      string `yaml:"kind" toml:"kind"`
	Model     string `yaml:"model" toml:"model"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	MaxTokens int64  `yaml:"max_tokens" toml:"max_tokens"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DataDir returns the base directory for swarm state:
// $XDG_DATA_HOME/coven-swarm, falling back to ~/.local/share/coven-swarm.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven-swarm")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coven-swarm"
	}
	return filepath.Join(home, ".local", "share", "coven-swarm")
}

// Defaults returns a Config with every tunable set. Load decodes on top of it,
// so a file only needs to name what it changes.
func Defaults() *Config {
	base := DataDir()
	return &Config{
		Agent: AgentConfig{
			ID:          "coordinator",
			Role:        RoleCoordinator,
			Coordinator: "coordinator",
		},
		Identity: IdentityConfig{
			KeyDir:           filepath.Join(base, "keys"),
			ReplayMaxEntries: 100000,
			ReplayWindow:     5 * time.Minute,
			FutureSkew:       time.Minute,
			ReplayWindowRaw:  "5m",
			FutureSkewRaw:    "1m",
		},
		Transport: TransportConfig{
			Host:                  "127.0.0.1",
			PortMin:               47100,
			PortMax:               47199,
			AttachmentsDir:        filepath.Join(base, "attachments"),
			InlineAttachmentLimit: 4 << 20,
			ProbeTimeout:          2 * time.Second,
			SendTimeout:           5 * time.Second,
			UploadTimeout:         30 * time.Second,
			HeartbeatInterval:     30 * time.Second,
			ProbeTimeoutRaw:       "2s",
			SendTimeoutRaw:        "5s",
			UploadTimeoutRaw:      "30s",
			HeartbeatIntervalRaw:  "30s",
		},
		SharedLog: SharedLogConfig{
			Dir:             filepath.Join(base, "log"),
			PollInterval:    10 * time.Second,
			PollIntervalRaw: "10s",
		},
		Runtime: RuntimeConfig{
			ContextWindow:     200000,
			CharsPerToken:     4,
			CondenseThreshold: 0.8,
			MaxMessages:       200,
			KeepRecent:        3,
			Backups:           5,
			HistoryDir:        filepath.Join(base, "history"),
			HistoryMaxBytes:   50 << 20,
			WorkspaceRoot:     filepath.Join(base, "workspaces"),
			CommandTimeout:    2 * time.Minute,
			CommandTimeoutRaw: "2m",
		},
		Orchestrator: OrchestratorConfig{
			PurposeRoot:    filepath.Join(base, "purposes"),
			TaskTimeout:    30 * time.Minute,
			TaskTimeoutRaw: "30m",
		},
		Provider: ProviderConfig{
			Kind:      ProviderAnthropic,
			Model:     "claude-sonnet-4-5",
			MaxTokens: 8192,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(base, "swarm.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ResolvePath returns the config file location: $COVEN_SWARM_CONFIG if set,
// otherwise $XDG_CONFIG_HOME/coven-swarm/config.yaml (~/.config when unset).
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "coven-swarm", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw config bytes on top of Defaults.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Defaults()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Defaults(), nil
	}
	return Load(path)
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if strings.ContainsAny(c.Agent.ID, `/\`) || c.Agent.ID == "all" {
		return fmt.Errorf("agent.id %q is not a valid agent id", c.Agent.ID)
	}
	if c.Identity.KeyDir == "" {
		return fmt.Errorf("identity.key_dir is required")
	}
	if c.Identity.ReplayWindow <= 0 {
		return fmt.Errorf("identity.replay_window must be positive")
	}
	if c.Transport.PortMin <= 0 || c.Transport.PortMax > 65535 || c.Transport.PortMin > c.Transport.PortMax {
		return fmt.Errorf("transport port range %d-%d is invalid", c.Transport.PortMin, c.Transport.PortMax)
	}
	if c.SharedLog.Dir == "" {
		return fmt.Errorf("sharedlog.dir is required")
	}
	if c.Runtime.CharsPerToken <= 0 {
		return fmt.Errorf("runtime.chars_per_token must be positive")
	}
	if c.Runtime.CondenseThreshold <= 0 || c.Runtime.CondenseThreshold > 1 {
		return fmt.Errorf("runtime.condense_threshold must be in (0, 1], got %v", c.Runtime.CondenseThreshold)
	}
	if c.Runtime.KeepRecent < 0 {
		return fmt.Errorf("runtime.keep_recent must not be negative")
	}
	if c.Orchestrator.MaxParallel < 0 {
		return fmt.Errorf("orchestrator.max_parallel must not be negative")
	}
	switch c.Provider.Kind {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("provider.kind %q is not supported (use %q or %q)", c.Provider.Kind, ProviderAnthropic, ProviderOpenAI)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"identity.replay_window", cfg.Identity.ReplayWindowRaw, &cfg.Identity.ReplayWindow},
		{"identity.future_skew", cfg.Identity.FutureSkewRaw, &cfg.Identity.FutureSkew},
		{"transport.probe_timeout", cfg.Transport.ProbeTimeoutRaw, &cfg.Transport.ProbeTimeout},
		{"transport.send_timeout", cfg.Transport.SendTimeoutRaw, &cfg.Transport.SendTimeout},
		{"transport.upload_timeout", cfg.Transport.UploadTimeoutRaw, &cfg.Transport.UploadTimeout},
		{"transport.heartbeat_interval", cfg.Transport.HeartbeatIntervalRaw, &cfg.Transport.HeartbeatInterval},
		{"sharedlog.poll_interval", cfg.SharedLog.PollIntervalRaw, &cfg.SharedLog.PollInterval},
		{"runtime.command_timeout", cfg.Runtime.CommandTimeoutRaw, &cfg.Runtime.CommandTimeout},
		{"orchestrator.task_timeout", cfg.Orchestrator.TaskTimeoutRaw, &cfg.Orchestrator.TaskTimeout},
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
