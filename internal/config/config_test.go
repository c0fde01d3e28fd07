// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, defaults, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults().Validate() error = %v", err)
	}

	if cfg.Identity.ReplayWindow != 5*time.Minute {
		t.Errorf("ReplayWindow = %v, want 5m", cfg.Identity.ReplayWindow)
	}
	if cfg.Transport.PortMin != 47100 || cfg.Transport.PortMax != 47199 {
		t.Errorf("port range = %d-%d, want 47100-47199", cfg.Transport.PortMin, cfg.Transport.PortMax)
	}
	if cfg.Runtime.KeepRecent != 3 {
		t.Errorf("KeepRecent = %d, want 3", cfg.Runtime.KeepRecent)
	}
	if cfg.Runtime.CondenseThreshold != 0.8 {
		t.Errorf("CondenseThreshold = %v, want 0.8", cfg.Runtime.CondenseThreshold)
	}
	if cfg.Runtime.MaxMessages != 200 {
		t.Errorf("MaxMessages = %d, want 200", cfg.Runtime.MaxMessages)
	}
	if cfg.Runtime.Backups != 5 {
		t.Errorf("Backups = %d, want 5", cfg.Runtime.Backups)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
agent:
  id: "backend-1"
  role: "backend"
  capabilities: ["go", "sql"]
  team_id: "team-42"

transport:
  port_min: 48000
  port_max: 48010
  send_timeout: "3s"

sharedlog:
  poll_interval: "2s"

runtime:
  context_window: 1000
  keep_recent: 4
  allow_exec: true

database:
  path: "./test.db"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.ID != "backend-1" {
		t.Errorf("Agent.ID = %q, want %q", cfg.Agent.ID, "backend-1")
	}
	if len(cfg.Agent.Capabilities) != 2 || cfg.Agent.Capabilities[1] != "sql" {
		t.Errorf("Agent.Capabilities = %v, want [go sql]", cfg.Agent.Capabilities)
	}
	if cfg.Transport.PortMin != 48000 || cfg.Transport.PortMax != 48010 {
		t.Errorf("port range = %d-%d, want 48000-48010", cfg.Transport.PortMin, cfg.Transport.PortMax)
	}
	if cfg.Transport.SendTimeout != 3*time.Second {
		t.Errorf("SendTimeout = %v, want 3s", cfg.Transport.SendTimeout)
	}
	if cfg.SharedLog.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.SharedLog.PollInterval)
	}
	// Untouched values keep their defaults.
	if cfg.Transport.UploadTimeout != 30*time.Second {
		t.Errorf("UploadTimeout = %v, want 30s", cfg.Transport.UploadTimeout)
	}
	if cfg.Runtime.KeepRecent != 4 {
		t.Errorf("KeepRecent = %d, want 4", cfg.Runtime.KeepRecent)
	}
	if !cfg.Runtime.AllowExec {
		t.Error("AllowExec = false, want true")
	}
	if cfg.Runtime.CharsPerToken != 4 {
		t.Errorf("CharsPerToken = %d, want 4", cfg.Runtime.CharsPerToken)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[agent]
id = "frontend-1"
role = "frontend"

[identity]
replay_window = "2m"

[provider]
kind = "openai"
model = "gpt-4o"

[orchestrator]
max_parallel = 3
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Agent.ID != "frontend-1" {
		t.Errorf("Agent.ID = %q, want frontend-1", cfg.Agent.ID)
	}
	if cfg.Identity.ReplayWindow != 2*time.Minute {
		t.Errorf("ReplayWindow = %v, want 2m", cfg.Identity.ReplayWindow)
	}
	if cfg.Provider.Kind != ProviderOpenAI {
		t.Errorf("Provider.Kind = %q, want openai", cfg.Provider.Kind)
	}
	if cfg.Orchestrator.MaxParallel != 3 {
		t.Errorf("MaxParallel = %d, want 3", cfg.Orchestrator.MaxParallel)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_SWARM_API_KEY", "sk-secret")
	t.Setenv("TEST_SWARM_DB", "/tmp/swarm.db")

	path := writeConfig(t, "config.yaml", `
provider:
  api_key: "${TEST_SWARM_API_KEY}"
database:
  path: "${TEST_SWARM_DB}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.APIKey != "sk-secret" {
		t.Errorf("Provider.APIKey = %q, want sk-secret", cfg.Provider.APIKey)
	}
	if cfg.Database.Path != "/tmp/swarm.db" {
		t.Errorf("Database.Path = %q, want /tmp/swarm.db", cfg.Database.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Agent.ID != "coordinator" {
		t.Errorf("Agent.ID = %q, want coordinator", cfg.Agent.ID)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "agent: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
transport:
  probe_timeout: "soon"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "transport.probe_timeout") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErrSubstr string
	}{
		{"missing agent id", func(c *Config) { c.Agent.ID = "" }, "agent.id is required"},
		{"reserved agent id", func(c *Config) { c.Agent.ID = "all" }, "not a valid agent id"},
		{"inverted port range", func(c *Config) { c.Transport.PortMin = 5000; c.Transport.PortMax = 4000 }, "port range"},
		{"zero chars per token", func(c *Config) { c.Runtime.CharsPerToken = 0 }, "chars_per_token"},
		{"threshold above one", func(c *Config) { c.Runtime.CondenseThreshold = 1.5 }, "condense_threshold"},
		{"unknown provider", func(c *Config) { c.Provider.Kind = "llama" }, "provider.kind"},
		{"missing database", func(c *Config) { c.Database.Path = "" }, "database.path is required"},
		{"missing shared log", func(c *Config) { c.SharedLog.Dir = "" }, "sharedlog.dir is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SWARM_EXPAND_A", "alpha")

	tests := []struct {
		in   string
		want string
	}{
		{"${SWARM_EXPAND_A}", "alpha"},
		{"pre-${SWARM_EXPAND_A}-post", "pre-alpha-post"},
		{"${SWARM_EXPAND_UNSET_VAR}", ""},
		{"no vars here", "no vars here"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/swarm.toml")
	if got := ResolvePath(); got != "/etc/swarm.toml" {
		t.Errorf("ResolvePath() = %q, want env override", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ResolvePath(); got != filepath.Join("/xdg", "coven-swarm", "config.yaml") {
		t.Errorf("ResolvePath() = %q, want XDG path", got)
	}
}
