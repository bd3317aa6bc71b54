package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"clawnix/internal/config"
)

// providerMeta describes a provider option for the wizard.
type providerMeta struct {
	Name         string
	EnvVar       string // empty when no key is needed
	APIBase      string
	DefaultModel string
}

var knownProviders = []providerMeta{
	{Name: "anthropic", EnvVar: "ANTHROPIC_API_KEY", DefaultModel: config.DefaultModel},
	{Name: "openai", EnvVar: "OPENAI_API_KEY", APIBase: "https://api.openai.com/v1", DefaultModel: "gpt-4o"},
	{Name: "ollama", APIBase: "http://localhost:11434", DefaultModel: "llama3.1:8b"},
}

var knownChannels = []struct {
	ID   string
	Desc string
}{{"terminal", "Interactive terminal chat"}, {"webui", "Web UI and HTTP API"}, {"telegram", "Telegram bot"}}

func wizardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wizard",
		Short: "Interactive setup: workspace, provider, channel",
		Long:  "Guides you through the workspace path, the model provider (and API key if needed) and the channel. Writes the config to the path used by --config or the default.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				cfg = config.Defaults()
			}
			if err := runWizard(cmd.InOrStdin(), cmd.OutOrStdout(), cfg); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nConfig saved to %s\n", cfgPath)
			fmt.Fprintln(cmd.OutOrStdout(), "Next: run 'clawnix doctor', then 'clawnix run'.")
			return nil
		},
	}
}

// runWizard asks its questions on out, reads answers from in and applies
// them to cfg. An empty answer keeps the shown default.
func runWizard(in io.Reader, out io.Writer, cfg *config.Config) error {
	reader := bufio.NewReader(in)
	heading := color.New(color.FgCyan, color.Bold)
	prompt := func(question, def string) (string, error) {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", question, def)
		} else {
			fmt.Fprintf(out, "%s: ", question)
		}
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}
		if s := strings.TrimSpace(line); s != "" {
			return s, nil
		}
		return def, nil
	}
	choose := func(question string, n, def int) (int, error) {
		answer, err := prompt(question, fmt.Sprint(def))
		if err != nil {
			return 0, err
		}
		var idx int
		if k, _ := fmt.Sscanf(answer, "%d", &idx); k != 1 || idx < 1 || idx > n {
			return def, nil
		}
		return idx, nil
	}

	heading.Fprintln(out, "\n--- Step 1: Workspace ---")
	ws, err := prompt("Directory for agent files (personality, memory)", cfg.WorkspaceDir)
	if err != nil {
		return err
	}
	cfg.WorkspaceDir = config.ExpandPath(ws)
	if err := os.MkdirAll(cfg.WorkspaceDir, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	heading.Fprintln(out, "\n--- Step 2: Model provider ---")
	defProv := 1
	for i, p := range knownProviders {
		line := fmt.Sprintf("  %d) %s", i+1, p.Name)
		if p.EnvVar != "" {
			line += fmt.Sprintf(" (key from %s)", p.EnvVar)
		}
		fmt.Fprintln(out, line)
		if p.Name == cfg.AI.Provider {
			defProv = i + 1
		}
	}
	idx, err := choose("Choose provider", len(knownProviders), defProv)
	if err != nil {
		return err
	}
	prov := knownProviders[idx-1]
	if cfg.AI.Provider != prov.Name {
		cfg.AI.Model = prov.DefaultModel
		cfg.AI.APIBase = prov.APIBase
		cfg.AI.APIKey = ""
	}
	cfg.AI.Provider = prov.Name
	if cfg.AI.Model == "" {
		cfg.AI.Model = prov.DefaultModel
	}
	if prov.EnvVar != "" {
		key, err := prompt("API key (paste it or reference an env var)", "${"+prov.EnvVar+"}")
		if err != nil {
			return err
		}
		cfg.AI.APIKey = key
	}

	heading.Fprintln(out, "\n--- Step 3: Channel ---")
	for i, c := range knownChannels {
		fmt.Fprintf(out, "  %d) %s: %s\n", i+1, c.ID, c.Desc)
	}
	chIdx, err := choose("Choose channel", len(knownChannels), 1)
	if err != nil {
		return err
	}
	chID := knownChannels[chIdx-1].ID
	cfg.Channels.Terminal.Enable = chID == "terminal"
	cfg.Channels.WebUI.Enable = chID == "webui"
	cfg.Channels.Telegram.Enable = chID == "telegram"
	if chID == "telegram" {
		tok, err := prompt("Telegram bot token (from @BotFather)", "${CLAWNIX_TELEGRAM_TOKEN}")
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.BotToken = tok
		users, err := prompt("Allowed Telegram user ids, comma separated", strings.Join(cfg.Channels.Telegram.AllowedUsers, ","))
		if err != nil {
			return err
		}
		cfg.Channels.Telegram.AllowedUsers = splitList(users)
	}
	fmt.Fprintf(out, "  Using %s with %s (%s)\n", chID, prov.Name, cfg.AI.Model)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
