// Package config loads, validates and saves the clawnix configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"clawnix/internal/policy"
)

// EnvInlineConfig names the variable holding inline JSON that is merged over
// the loaded file.
const EnvInlineConfig = "CLAWNIX_CONFIG"

// Config is the root configuration.
type Config struct {
	AI           AIConfig               `json:"ai"`
	Channels     ChannelsConfig         `json:"channels"`
	Tools        ToolsConfig            `json:"tools"`
	MCP          MCPConfig              `json:"mcp"`
	Security     SecurityConfig         `json:"security"`
	Agents       map[string]AgentConfig `json:"agents,omitempty"`
	Delegation   DelegationConfig       `json:"delegation"`
	Conversation ConversationConfig     `json:"conversation"`
	General      GeneralConfig          `json:"general"`
	WorkspaceDir string                 `json:"workspaceDir"`
	StateDir     string                 `json:"stateDir"`
}

// AIConfig selects the model provider. The top-level fields describe the
// primary provider; Failover lists providers tried in order after it.
type AIConfig struct {
	Provider           string           `json:"provider"` // anthropic | openai | ollama
	Model              string           `json:"model"`
	APIKey             string           `json:"apiKey,omitempty"`
	APIKeyFile         string           `json:"apiKeyFile,omitempty"`
	APIBase            string           `json:"apiBase,omitempty"`
	ClassifierModel    string           `json:"classifierModel"`
	MaxTokens          int              `json:"maxTokens"`
	RateLimitPerMinute int              `json:"rateLimitPerMinute"`
	Failover           []ProviderConfig `json:"failover,omitempty"`
}

type ProviderConfig struct {
	Provider   string `json:"provider"`
	Model      string `json:"model,omitempty"`
	APIKey     string `json:"apiKey,omitempty"`
	APIKeyFile string `json:"apiKeyFile,omitempty"`
	APIBase    string `json:"apiBase,omitempty"`
}

// Primary returns the primary provider entry.
func (a AIConfig) Primary() ProviderConfig {
	return ProviderConfig{
		Provider:   a.Provider,
		Model:      a.Model,
		APIKey:     a.APIKey,
		APIKeyFile: a.APIKeyFile,
		APIBase:    a.APIBase,
	}
}

// Key returns the inline API key, or the trimmed content of APIKeyFile.
func (p ProviderConfig) Key() (string, error) {
	return ResolveSecret(p.APIKey, p.APIKeyFile)
}

type ChannelsConfig struct {
	Terminal TerminalConfig `json:"terminal"`
	Telegram TelegramConfig `json:"telegram"`
	WebUI    WebUIConfig    `json:"webui"`
}

type TerminalConfig struct {
	Enable bool `json:"enable"`
}

type TelegramConfig struct {
	Enable       bool           `json:"enable"`
	BotToken     string         `json:"botToken,omitempty"`
	BotTokenFile string         `json:"botTokenFile,omitempty"`
	AllowedUsers FlexStringList `json:"allowedUsers,omitempty"`
}

// Token returns the inline bot token or the content of BotTokenFile.
func (t TelegramConfig) Token() (string, error) {
	return ResolveSecret(t.BotToken, t.BotTokenFile)
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type WebUIConfig struct {
	Enable bool   `json:"enable"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// ToolsConfig enables the built-in tool plugins of a single-agent setup.
// The json names of the nested fields are the option keys the plugins read.
type ToolsConfig struct {
	Exec      ExecToolConfig    `json:"exec"`
	Observe   ObserveToolConfig `json:"observe"`
	Browser   BrowserToolConfig `json:"browser"`
	Scheduler ToggleConfig      `json:"scheduler"`
	Memory    ToggleConfig      `json:"memory"`
}

type ToggleConfig struct {
	Enable bool `json:"enable"`
}

type ExecToolConfig struct {
	Enable          bool     `json:"enable"`
	DefaultTimeout  int      `json:"defaultTimeout,omitempty"` // seconds
	WorkingDir      string   `json:"workingDir,omitempty"`
	AllowedPackages []string `json:"allowedPackages,omitempty"`
}

type ObserveToolConfig struct {
	Enable           bool     `json:"enable"`
	AllowedReadPaths []string `json:"allowedReadPaths,omitempty"`
}

type BrowserToolConfig struct {
	Enable         bool   `json:"enable"`
	Headless       bool   `json:"headless"`
	ExecutablePath string `json:"executablePath,omitempty"`
	ProfileDir     string `json:"profileDir,omitempty"`
}

// MCPConfig lists the stdio MCP servers agents may connect to.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

type SecurityConfig struct {
	Policies               []policy.Rule `json:"policies,omitempty"`
	ApprovalTimeoutSeconds int           `json:"approvalTimeoutSeconds"`
	ApprovalSweepSeconds   int           `json:"approvalSweepSeconds"`
}

// AgentConfig describes one agent of a multi-agent deployment.
type AgentConfig struct {
	Description  string             `json:"description"`
	Tools        []string           `json:"tools,omitempty"`
	MCP          AgentMCPConfig     `json:"mcp"`
	WorkspaceDir string             `json:"workspaceDir,omitempty"`
	ToolPolicies []policy.Rule      `json:"toolPolicies,omitempty"`
	Exec         *ExecToolConfig    `json:"exec,omitempty"`
	Browser      *BrowserToolConfig `json:"browser,omitempty"`
	Observe      *ObserveToolConfig `json:"observe,omitempty"`
}

// AgentMCPConfig names entries of the global mcp.servers table.
type AgentMCPConfig struct {
	Servers []string `json:"servers,omitempty"`
}

type DelegationConfig struct {
	MaxDepth int `json:"maxDepth"`
}

type ConversationConfig struct {
	MaxTurns           int `json:"maxTurns"`
	SummarizeThreshold int `json:"summarizeThreshold"`
	KeepAfterSummary   int `json:"keepAfterSummary"`
}

type GeneralConfig struct {
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile,omitempty"`
	MaxIterations int    `json:"maxIterations"`
}

// MultiAgent reports whether agents are configured.
func (c *Config) MultiAgent() bool { return len(c.Agents) > 0 }

// DefaultConfigDir returns the default config directory (~/.config/clawnix).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawnix"
	}
	return filepath.Join(home, ".config", "clawnix")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load builds the configuration: defaults, then the file at path (JSON, or
// YAML for .yaml/.yml), then inline JSON from CLAWNIX_CONFIG, then
// environment overrides. An empty path skips the file. Paths are expanded
// and the result validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
		if err := decode(path, []byte(ExpandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if inline := os.Getenv(EnvInlineConfig); inline != "" {
		if err := json.Unmarshal([]byte(ExpandEnvVars(inline)), cfg); err != nil {
			return nil, fmt.Errorf("cannot parse %s: %w", EnvInlineConfig, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	cfg.expandPaths()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// decode parses JSON or YAML into cfg. YAML goes through a generic tree so
// the json field names are the only schema.
func decode(path string, data []byte, cfg *Config) error {
	if !isYAML(path) {
		return json.Unmarshal(data, cfg)
	}
	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return err
	}
	if tree == nil {
		return nil
	}
	asJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("convert yaml: %w", err)
	}
	return json.Unmarshal(asJSON, cfg)
}

func (c *Config) expandPaths() {
	c.WorkspaceDir = ExpandPath(c.WorkspaceDir)
	c.StateDir = ExpandPath(c.StateDir)
	c.General.LogFile = ExpandPath(c.General.LogFile)
	c.AI.APIKeyFile = ExpandPath(c.AI.APIKeyFile)
	c.Channels.Telegram.BotTokenFile = ExpandPath(c.Channels.Telegram.BotTokenFile)
	c.Tools.Browser.ProfileDir = ExpandPath(c.Tools.Browser.ProfileDir)
	for i := range c.AI.Failover {
		c.AI.Failover[i].APIKeyFile = ExpandPath(c.AI.Failover[i].APIKeyFile)
	}
	for name, a := range c.Agents {
		a.WorkspaceDir = ExpandPath(a.WorkspaceDir)
		c.Agents[name] = a
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset
// variable without default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path, as YAML when the extension says so.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var tree any
		if err := json.Unmarshal(data, &tree); err != nil {
			return fmt.Errorf("cannot convert config: %w", err)
		}
		if data, err = yaml.Marshal(tree); err != nil {
			return fmt.Errorf("cannot marshal yaml: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate reports every invalid value at once.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.AI.Provider {
	case "anthropic", "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("ai.provider must be one of: anthropic, openai, ollama"))
	}
	for i, f := range cfg.AI.Failover {
		switch f.Provider {
		case "anthropic", "openai", "ollama":
		default:
			errs = append(errs, fmt.Errorf("ai.failover[%d].provider %q is not supported", i, f.Provider))
		}
	}
	if cfg.AI.MaxTokens < 1 {
		errs = append(errs, errors.New("ai.maxTokens must be >= 1"))
	}
	if cfg.General.MaxIterations < 1 || cfg.General.MaxIterations > 200 {
		errs = append(errs, errors.New("general.maxIterations must be between 1 and 200"))
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, errors.New("general.logLevel must be one of: debug, info, warn, error"))
	}
	if cfg.Channels.WebUI.Port < 0 || cfg.Channels.WebUI.Port > 65535 {
		errs = append(errs, errors.New("channels.webui.port must be between 0 and 65535"))
	}
	if cfg.Security.ApprovalTimeoutSeconds < 1 {
		errs = append(errs, errors.New("security.approvalTimeoutSeconds must be >= 1"))
	}
	if cfg.Security.ApprovalSweepSeconds < 1 {
		errs = append(errs, errors.New("security.approvalSweepSeconds must be >= 1"))
	}
	if err := policy.Validate(cfg.Security.Policies); err != nil {
		errs = append(errs, fmt.Errorf("security.policies: %w", err))
	}
	if cfg.Delegation.MaxDepth < 1 {
		errs = append(errs, errors.New("delegation.maxDepth must be >= 1"))
	}
	if cfg.Conversation.KeepAfterSummary >= cfg.Conversation.SummarizeThreshold {
		errs = append(errs, errors.New("conversation.keepAfterSummary must be below summarizeThreshold"))
	}
	if cfg.StateDir == "" {
		errs = append(errs, errors.New("stateDir is required"))
	}

	for name, a := range cfg.Agents {
		if name == "" || strings.ContainsAny(name, `/\ `) {
			errs = append(errs, fmt.Errorf("agents: invalid agent name %q", name))
		}
		if err := policy.Validate(a.ToolPolicies); err != nil {
			errs = append(errs, fmt.Errorf("agents.%s.toolPolicies: %w", name, err))
		}
		for _, server := range a.MCP.Servers {
			if _, ok := cfg.MCP.Servers[server]; !ok {
				errs = append(errs, fmt.Errorf("agents.%s.mcp.servers references unknown server %q", name, server))
			}
		}
	}
	for name, s := range cfg.MCP.Servers {
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp.servers.%s.command is required", name))
		}
	}

	return errors.Join(errs...)
}

// ResolveSecret returns value when set, else the trimmed content of file.
func ResolveSecret(value, file string) (string, error) {
	if value != "" || file == "" {
		return value, nil
	}
	data, err := os.ReadFile(ExpandPath(file))
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
