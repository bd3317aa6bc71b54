package config

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultClassifierModel = "claude-haiku-4-5-20251001"
)

func Defaults() *Config {
	return &Config{
		AI: AIConfig{
			Provider:           "anthropic",
			Model:              DefaultModel,
			ClassifierModel:    DefaultClassifierModel,
			MaxTokens:          4096,
			RateLimitPerMinute: 30,
		},
		Channels: ChannelsConfig{
			Terminal: TerminalConfig{Enable: true},
			WebUI: WebUIConfig{
				Host: "127.0.0.1",
				Port: 3333,
			},
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{DefaultTimeout: 30},
			Observe: ObserveToolConfig{
				Enable:           true,
				AllowedReadPaths: []string{"/tmp", "/var/log", "/etc/nixos"},
			},
			Browser:   BrowserToolConfig{Headless: true},
			Scheduler: ToggleConfig{Enable: true},
			Memory:    ToggleConfig{Enable: true},
		},
		Security: SecurityConfig{
			ApprovalTimeoutSeconds: 300,
			ApprovalSweepSeconds:   60,
		},
		Delegation: DelegationConfig{MaxDepth: 3},
		Conversation: ConversationConfig{
			MaxTurns:           50,
			SummarizeThreshold: 40,
			KeepAfterSummary:   10,
		},
		General: GeneralConfig{
			LogLevel:      "info",
			MaxIterations: 25,
		},
		WorkspaceDir: "~/.config/clawnix",
		StateDir:     "~/.local/share/clawnix",
	}
}
