package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the variables that win over file settings.
type envOverrides struct {
	StateDir      string `env:"CLAWNIX_STATE_DIR"`
	WorkspaceDir  string `env:"CLAWNIX_WORKSPACE_DIR"`
	LogLevel      string `env:"CLAWNIX_LOG_LEVEL"`
	Model         string `env:"CLAWNIX_MODEL"`
	AnthropicKey  string `env:"ANTHROPIC_API_KEY"`
	TelegramToken string `env:"CLAWNIX_TELEGRAM_TOKEN"`
	WebUIPort     int    `env:"CLAWNIX_WEBUI_PORT"`
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if o.StateDir != "" {
		cfg.StateDir = o.StateDir
	}
	if o.WorkspaceDir != "" {
		cfg.WorkspaceDir = o.WorkspaceDir
	}
	if o.LogLevel != "" {
		cfg.General.LogLevel = o.LogLevel
	}
	if o.Model != "" {
		cfg.AI.Model = o.Model
	}
	if o.AnthropicKey != "" && cfg.AI.Provider == "anthropic" && cfg.AI.APIKey == "" && cfg.AI.APIKeyFile == "" {
		cfg.AI.APIKey = o.AnthropicKey
	}
	if o.TelegramToken != "" {
		cfg.Channels.Telegram.BotToken = o.TelegramToken
	}
	if o.WebUIPort != 0 {
		cfg.Channels.WebUI.Port = o.WebUIPort
	}
	return nil
}
