package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"clawnix/internal/plugin"
)

const (
	defaultExecTimeout = 30
	maxExecTimeout     = 300
	maxExecOutputBytes = 102400
)

var blockedCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\brm\s+-rf\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`\bdd\b.*\bof=`),
	regexp.MustCompile("[;&|`]"),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile(`\$\{`),
	regexp.MustCompile(`>\s*[^\s]`),
}

// Blocked reports whether command matches one of the forbidden patterns.
func Blocked(command string) bool {
	for _, re := range blockedCommandPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

type ExecConfig struct {
	WorkingDir      string
	DefaultTimeout  int
	AllowedPackages []string
}

// ExecPlugin runs single commands, optionally inside a `nix shell` for a package.
type ExecPlugin struct {
	cfg     ExecConfig
	allowed map[string]bool
}

func NewExecPlugin(cfg ExecConfig) *ExecPlugin {
	return &ExecPlugin{cfg: cfg}
}

func (p *ExecPlugin) Name() string    { return "exec" }
func (p *ExecPlugin) Version() string { return "0.1.0" }

func (p *ExecPlugin) Init(_ context.Context, pc *plugin.Context) error {
	if p.cfg.DefaultTimeout <= 0 {
		p.cfg.DefaultTimeout = pc.ConfigInt("defaultTimeout", defaultExecTimeout)
	}
	if p.cfg.WorkingDir == "" {
		p.cfg.WorkingDir = pc.ConfigString("workingDir", ".")
	}
	pkgs := p.cfg.AllowedPackages
	if len(pkgs) == 0 {
		pkgs = pc.ConfigStrings("allowedPackages")
	}
	p.allowed = make(map[string]bool, len(pkgs))
	for _, pkg := range pkgs {
		p.allowed[pkg] = true
	}

	err := pc.RegisterTool(&Func{
		ToolName: "clawnix_exec",
		Desc: "Execute a command. When package is set it runs inside `nix shell nixpkgs#<package>`. " +
			"Pipes, redirects and command substitution are rejected.",
		Schema: ToolParameters(map[string]Param{
			"command": {Type: "string", Description: "The command to execute (e.g. 'jq .name package.json')"},
			"package": {Type: "string", Description: "Optional nixpkgs package providing the command (e.g. 'jq')"},
			"timeout": {Type: "number", Description: "Timeout in seconds (default: 30, max: 300)"},
		}, []string{"command"}),
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			pkg := ArgsString(args, "package")
			if pkg != "" && !p.allowed[pkg] {
				pc.Logger.Info("executing non-allowlisted package", "package", pkg)
			}
			return p.run(ctx, args)
		},
	})
	if err != nil {
		return err
	}
	pc.Logger.Info("exec plugin registered", "allowed_packages", len(p.allowed))
	return nil
}

func (p *ExecPlugin) run(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(ArgsString(args, "command"))
	if command == "" {
		return "", fmt.Errorf("missing argument: command")
	}
	if Blocked(command) {
		return "BLOCKED: Command contains a forbidden pattern.", nil
	}

	timeoutSec := ArgsInt(args, "timeout", p.cfg.DefaultTimeout)
	if timeoutSec <= 0 {
		timeoutSec = defaultExecTimeout
	}
	if timeoutSec > maxExecTimeout {
		timeoutSec = maxExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	if pkg := ArgsString(args, "package"); pkg != "" {
		cmd = exec.CommandContext(ctx, "nix", "shell", "nixpkgs#"+pkg, "--command", "sh", "-c", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	dir, err := filepath.Abs(p.cfg.WorkingDir)
	if err != nil {
		dir = p.cfg.WorkingDir
	}
	cmd.Dir = dir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Error: Command timed out after %d seconds.", timeoutSec), nil
	}
	if runErr != nil {
		return strings.TrimSpace(fmt.Sprintf("Error: %v\n%s\n%s", runErr, stdout.String(), stderr.String())), nil
	}

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\nSTDERR: " + stderr.String()
	}
	if len(output) > maxExecOutputBytes {
		output = output[:maxExecOutputBytes] + fmt.Sprintf("\n... (truncated at %d bytes)", maxExecOutputBytes)
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

func (p *ExecPlugin) Shutdown(context.Context) error { return nil }
