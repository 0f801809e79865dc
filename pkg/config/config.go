/*
Package config loads and validates the coordinator's YAML configuration file.

Defaulting and environment-variable expansion happen after unmarshal, not via
struct tags, mirroring the original Python CoordinatorConfig.__post_init__.
*/
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AIProviderConfig is how one AI provider's CLI is launched.
type AIProviderConfig struct {
	CLICommand string   `yaml:"cli_command"`
	CLIArgs    []string `yaml:"cli_args"`
}

// aiProviderConfigYAML mirrors AIProviderConfig but types CLIArgs as
// yaml.Node so UnmarshalYAML can accept either a sequence or a scalar.
type aiProviderConfigYAML struct {
	CLICommand string    `yaml:"cli_command"`
	CLIArgs    yaml.Node `yaml:"cli_args"`
}

// UnmarshalYAML accepts cli_args as either a YAML sequence
// (cli_args: ["--flag1", "--flag2"]) or a scalar string split on whitespace
// (cli_args: "--flag1 --flag2"), matching CoordinatorConfig.from_yaml in the
// original Python implementation.
func (p *AIProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw aiProviderConfigYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	p.CLICommand = raw.CLICommand

	switch raw.CLIArgs.Kind {
	case 0:
		p.CLIArgs = nil
	case yaml.ScalarNode:
		var s string
		if err := raw.CLIArgs.Decode(&s); err != nil {
			return fmt.Errorf("config: decoding cli_args: %w", err)
		}
		p.CLIArgs = strings.Fields(s)
	case yaml.SequenceNode:
		var list []string
		if err := raw.CLIArgs.Decode(&list); err != nil {
			return fmt.Errorf("config: decoding cli_args: %w", err)
		}
		p.CLIArgs = list
	default:
		return fmt.Errorf("config: cli_args must be a string or a list of strings")
	}
	return nil
}

// AgentConfig holds the credential for one agent this coordinator may launch.
type AgentConfig struct {
	Passkey string `yaml:"passkey"`
}

// LogUploadConfig tunes the background log uploader (C5).
type LogUploadConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Endpoint          string `yaml:"endpoint"`
	MaxFileSizeMB     int    `yaml:"max_file_size_mb"`
	RetryCount        int    `yaml:"retry_count"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
}

// ErrorProtectionConfig tunes the cooldown table and quota detector (C2/C3).
type ErrorProtectionConfig struct {
	Enabled                bool `yaml:"enabled"`
	DefaultCooldownSeconds int  `yaml:"default_cooldown_seconds"`
	MaxCooldownSeconds     int  `yaml:"max_cooldown_seconds"`
	QuotaDetectionEnabled  bool `yaml:"quota_detection_enabled"`
	QuotaMarginPercent     int  `yaml:"quota_margin_percent"`
}

// Config is the coordinator's full configuration.
type Config struct {
	PollingInterval int `yaml:"polling_interval"`
	MaxConcurrent   int `yaml:"max_concurrent"`

	MCPSocketPath    string `yaml:"mcp_socket_path"`
	CoordinatorToken string `yaml:"coordinator_token"`

	AIProviders map[string]AIProviderConfig `yaml:"ai_providers"`
	Agents      map[string]AgentConfig      `yaml:"agents"`

	LogDirectory string `yaml:"log_directory"`
	DebugMode    bool   `yaml:"debug_mode"`

	LogUpload       LogUploadConfig       `yaml:"log_upload"`
	ErrorProtection ErrorProtectionConfig `yaml:"error_protection"`

	RootAgentID string `yaml:"root_agent_id"`

	// Path is the config's own on-disk identity, used to key the
	// single-instance lock. Set by Load, never read from YAML.
	Path string `yaml:"-"`
}

const defaultMCPSocketPath = "~/.aiagent-coordinator/mcp.sock"

// Load reads and validates a coordinator config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	// An explicitly set polling_interval of zero or less is rejected; only
	// an absent key takes the default.
	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err == nil {
		if _, set := keys["polling_interval"]; set && cfg.PollingInterval <= 0 {
			return nil, fmt.Errorf("config: polling_interval must be positive, got %d", cfg.PollingInterval)
		}
	}

	cfg.Path = path
	cfg.applyDefaults()
	expandEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PollingInterval == 0 {
		c.PollingInterval = 10
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 3
	}
	if c.MCPSocketPath == "" {
		c.MCPSocketPath = defaultMCPSocketPath
	}
	if c.LogDirectory == "" {
		c.LogDirectory = "~/.aiagent-coordinator/logs"
	}

	if c.AIProviders == nil {
		c.AIProviders = make(map[string]AIProviderConfig)
	}
	if _, ok := c.AIProviders["claude"]; !ok {
		c.AIProviders["claude"] = AIProviderConfig{
			CLICommand: "claude",
			CLIArgs:    []string{"--dangerously-skip-permissions"},
		}
	}

	if c.LogUpload.MaxFileSizeMB == 0 {
		c.LogUpload.MaxFileSizeMB = 10
	}
	if c.LogUpload.RetryCount == 0 {
		c.LogUpload.RetryCount = 3
	}
	if c.LogUpload.RetryDelaySeconds == 0 {
		c.LogUpload.RetryDelaySeconds = 2
	}

	if c.ErrorProtection.DefaultCooldownSeconds == 0 {
		c.ErrorProtection.DefaultCooldownSeconds = 60
	}
	if c.ErrorProtection.MaxCooldownSeconds == 0 {
		c.ErrorProtection.MaxCooldownSeconds = 3600
	}
}

func expandEnv(c *Config) {
	c.MCPSocketPath = expandTilde(c.MCPSocketPath)
	c.LogDirectory = expandTilde(c.LogDirectory)

	if c.CoordinatorToken == "" {
		c.CoordinatorToken = os.Getenv("MCP_COORDINATOR_TOKEN")
	} else {
		c.CoordinatorToken = expandVar(c.CoordinatorToken)
	}

	for id, agent := range c.Agents {
		agent.Passkey = expandVar(agent.Passkey)
		c.Agents[id] = agent
	}
}

// expandVar expands a literal "${VAR}" reference to the named environment
// variable. Any other string is returned unchanged.
func expandVar(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

func expandTilde(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func (c *Config) validate() error {
	if c.PollingInterval <= 0 {
		return fmt.Errorf("config: polling_interval must be positive, got %d", c.PollingInterval)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be positive, got %d", c.MaxConcurrent)
	}
	return nil
}

// GetProvider returns the named provider spec, falling back to claude.
func (c *Config) GetProvider(aiType string) AIProviderConfig {
	if p, ok := c.AIProviders[aiType]; ok {
		return p
	}
	return c.AIProviders["claude"]
}

// GetAgentPasskey returns the configured passkey for agentID, or "" if the
// agent is not configured on this coordinator.
func (c *Config) GetAgentPasskey(agentID string) (string, bool) {
	agent, ok := c.Agents[agentID]
	if !ok {
		return "", false
	}
	return agent.Passkey, true
}

// LockIdentity is the string used to key the single-instance lock: the
// config path, or "default" if the coordinator was run without one.
func (c *Config) LockIdentity() string {
	if c.Path == "" {
		return "default"
	}
	return c.Path
}
