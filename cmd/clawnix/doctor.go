package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"clawnix/internal/config"
	"clawnix/internal/runtime"
)

// report tallies doctor checks and prints one line per check.
type report struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  %s %-22s %s\n", color.GreenString("[PASS]"), check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  %s %-22s %s\n", color.YellowString("[WARN]"), check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  %s %-22s %s\n", color.RedString("[FAIL]"), check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your clawnix installation",
		Long: `Verifies that the configuration, secrets, state databases, MCP server
commands and channel ports are set up. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			r := &report{out: cmd.OutOrStdout()}
			fmt.Fprintf(r.out, "clawnix doctor v%s\n\n", version)

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(r.out, "\nRun 'clawnix init' to create a default configuration.\n")
				return fmt.Errorf("no config file")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			r.pass("Config validation", "valid")

			checkDirs(r, cfg)
			checkSecrets(r, cfg)
			checkDatabases(r, cfg)
			checkMCP(r, cfg)
			checkPorts(r, cfg)

			fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned == 0 {
				fmt.Fprintln(r.out, "All checks passed.")
			}
			return nil
		},
	}
}

func checkDirs(r *report, cfg *config.Config) {
	for _, d := range []struct{ name, path string }{
		{"Workspace", cfg.WorkspaceDir},
		{"State directory", cfg.StateDir},
	} {
		info, err := os.Stat(d.path)
		switch {
		case err != nil:
			r.warn(d.name, fmt.Sprintf("%s does not exist yet", d.path))
		case !info.IsDir():
			r.fail(d.name, fmt.Sprintf("not a directory: %s", d.path))
		default:
			r.pass(d.name, d.path)
		}
	}
}

func checkSecrets(r *report, cfg *config.Config) {
	primary := cfg.AI.Primary()
	if primary.Provider != "ollama" {
		key, err := primary.Key()
		switch {
		case err != nil:
			r.fail("AI key", err.Error())
		case key == "":
			r.fail("AI key", fmt.Sprintf("no API key for %s", primary.Provider))
		default:
			r.pass("AI key", primary.Provider)
		}
	} else {
		r.pass("AI provider", "ollama (no key needed)")
	}

	if cfg.Channels.Telegram.Enable {
		token, err := cfg.Channels.Telegram.Token()
		switch {
		case err != nil:
			r.fail("Telegram token", err.Error())
		case token == "":
			r.fail("Telegram token", "telegram is enabled but no bot token is set")
		default:
			r.pass("Telegram token", "configured")
		}
		if len(cfg.Channels.Telegram.AllowedUsers) == 0 {
			r.warn("Telegram users", "allowedUsers is empty, anyone can talk to the bot")
		}
	}
}

func checkDatabases(r *report, cfg *config.Config) {
	paths := runtime.DBPaths(cfg)
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := checkDatabase(paths[name]); err != nil {
			r.fail("Database: "+name, err.Error())
		} else {
			r.pass("Database: "+name, paths[name])
		}
	}
}

func checkMCP(r *report, cfg *config.Config) {
	names := make([]string, 0, len(cfg.MCP.Servers))
	for name := range cfg.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cmd := cfg.MCP.Servers[name].Command
		if path, err := exec.LookPath(cmd); err != nil {
			r.fail("MCP: "+name, fmt.Sprintf("command %q not found", cmd))
		} else {
			r.pass("MCP: "+name, path)
		}
	}
}

func checkPorts(r *report, cfg *config.Config) {
	if !cfg.Channels.WebUI.Enable {
		return
	}
	addr := net.JoinHostPort(cfg.Channels.WebUI.Host, fmt.Sprint(cfg.Channels.WebUI.Port))
	if err := checkPort(addr); err != nil {
		r.warn("Web UI port", fmt.Sprintf("%s may be in use: %v", addr, err))
	} else {
		r.pass("Web UI port", addr+" available")
	}
}

// checkDatabase opens (creating if needed) the sqlite file and tries a write.
func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
