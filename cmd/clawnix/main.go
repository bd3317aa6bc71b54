package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"clawnix/internal/agent"
	"clawnix/internal/config"
	"clawnix/internal/provider"
	"clawnix/internal/runtime"
)

var (
	version    = "0.2.0"
	logger     = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	configPath string // overridable via --config flag
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clawnix",
		Short:        "Clawnix: personal AI agents for your machine",
		Long:         "Clawnix runs one or more AI agents behind terminal, Telegram and web channels, with policy-gated tools and human approvals.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.config/clawnix/config.yaml)")

	root.AddCommand(runCmd())
	root.AddCommand(initCmd())
	root.AddCommand(wizardCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(usageCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(approvalsCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "clawnix", version)
		},
	})
	return root
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file. A missing default file falls back to
// defaults plus environment; a missing explicit --config is an error.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && configPath == "" {
		logger.Warn("config not found, using defaults", "path", path)
		return config.Load("")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger builds the process logger from the general config section.
// The returned closer releases the log file, if any.
func setupLogger(gc config.GeneralConfig) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closer := func() {}
	if gc.LogFile != "" {
		path := config.ExpandPath(gc.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closer = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(gc.LogLevel)})), closer, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agents and all enabled channels",
		Long:  "Starts every configured agent and the enabled channels (terminal, Telegram, web UI). Press Ctrl+C to stop.",
		RunE:  runAgents,
	}
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = log
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printBanner(cmd.OutOrStdout(), cfg)

	rt, err := runtime.New(cfg, runtime.Options{Logger: logger, OnExit: stop})
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Close(context.Background())
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rt.Close(shutdownCtx) }()
	select {
	case err := <-done:
		if err != nil {
			logger.Warn("shutdown finished with errors", "err", err)
		} else {
			logger.Info("shutdown complete")
		}
		return nil
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}
}

func printBanner(w io.Writer, cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)
	title.Fprintf(w, "clawnix v%s\n", version)
	if !cfg.MultiAgent() {
		dim.Fprintf(w, "single agent, model %s\n\n", cfg.AI.Model)
		return
	}
	for _, line := range agentLines(cfg) {
		dim.Fprintln(w, line)
	}
	fmt.Fprintln(w)
}

// agentLines describes each configured agent with its routing prefix.
func agentLines(cfg *config.Config) []string {
	descriptions := make(map[string]string, len(cfg.Agents))
	for name, ac := range cfg.Agents {
		descriptions[name] = ac.Description
	}
	routes := agent.BuildRoutes(descriptions)
	names := make([]string, 0, len(routes))
	for name := range routes {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		r := routes[name]
		prefix := "  "
		if r.Prefix != "" {
			prefix = "/" + r.Prefix
		}
		lines = append(lines, fmt.Sprintf("  %s  %-12s %s", prefix, name, r.Description))
	}
	return lines
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			for _, dir := range []string{cfg.WorkspaceDir, cfg.StateDir} {
				if err := os.MkdirAll(config.ExpandPath(dir), 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.WorkspaceDir, "state", cfg.StateDir)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration, agents and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Config:   %s\n", resolveConfigPath())
			fmt.Fprintf(out, "State:    %s\n", cfg.StateDir)
			fmt.Fprintf(out, "Provider: %s (%s)\n", cfg.AI.Provider, cfg.AI.Model)

			if cfg.MultiAgent() {
				fmt.Fprintf(out, "Agents:   %d\n", len(cfg.Agents))
				for _, line := range agentLines(cfg) {
					fmt.Fprintln(out, line)
				}
			} else {
				fmt.Fprintln(out, "Agents:   single")
			}

			var channels []string
			if cfg.Channels.Terminal.Enable {
				channels = append(channels, "terminal")
			}
			if cfg.Channels.Telegram.Enable {
				channels = append(channels, "telegram")
			}
			if cfg.Channels.WebUI.Enable {
				channels = append(channels, fmt.Sprintf("webui (%s:%d)", cfg.Channels.WebUI.Host, cfg.Channels.WebUI.Port))
			}
			fmt.Fprintf(out, "Channels: %s\n", strings.Join(channels, ", "))

			servers := make([]string, 0, len(cfg.MCP.Servers))
			for name := range cfg.MCP.Servers {
				servers = append(servers, name)
			}
			sort.Strings(servers)
			if len(servers) > 0 {
				fmt.Fprintf(out, "MCP:      %s\n", strings.Join(servers, ", "))
			}

			p, err := provider.NewFactory(logger).FromConfig(cfg.AI)
			if err != nil {
				color.New(color.FgRed).Fprintf(out, "Health:   %v\n", err)
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := p.Healthy(ctx); err != nil {
				color.New(color.FgRed).Fprintf(out, "Health:   %s unhealthy: %v\n", p.Name(), err)
			} else {
				color.New(color.FgGreen).Fprintf(out, "Health:   %s ok\n", p.Name())
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. ai.model)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. channels.webui.port 4000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("config validation: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values, secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				data, _ := json.Marshal(paths[k])
				fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", k, data)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	return cmd
}
