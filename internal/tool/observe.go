package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"clawnix/internal/plugin"
)

const maxReadFileBytes = 102400

var startTime = time.Now()

// ObservePlugin gives the agent read-only visibility into the host.
type ObservePlugin struct {
	allowedReadPaths []string
}

func NewObservePlugin(allowedReadPaths []string) *ObservePlugin {
	return &ObservePlugin{allowedReadPaths: allowedReadPaths}
}

func (p *ObservePlugin) Name() string    { return "observe" }
func (p *ObservePlugin) Version() string { return "0.1.0" }

func (p *ObservePlugin) Init(_ context.Context, pc *plugin.Context) error {
	if len(p.allowedReadPaths) == 0 {
		p.allowedReadPaths = pc.ConfigStrings("allowedReadPaths")
	}

	tools := []*Func{
		{
			ToolName: "clawnix_system_info",
			Desc:     "Get system information: hostname, OS version, CPU model and cores, memory, disk and uptime.",
			Run:      systemInfo,
		},
		{
			ToolName: "clawnix_processes",
			Desc:     "List running processes, optionally filtered by a substring.",
			Schema: ToolParameters(map[string]Param{
				"query": {Type: "string", Description: "Only include process lines containing this text"},
			}, nil),
			Run: processes,
		},
		{
			ToolName: "clawnix_read_file",
			Desc:     "Read a file. Only paths under the configured allowed directories can be read.",
			Schema: ToolParameters(map[string]Param{
				"path": {Type: "string", Description: "Absolute path of the file to read"},
			}, []string{"path"}),
			Run: p.readFile,
		},
	}
	for _, t := range tools {
		if err := pc.RegisterTool(t); err != nil {
			return err
		}
	}
	pc.Logger.Info("observe plugin registered", "allowed_read_paths", p.allowedReadPaths)
	return nil
}

func (p *ObservePlugin) Shutdown(context.Context) error { return nil }

// resolveAllowed cleans path and checks it sits under one of the allowed roots.
func resolveAllowed(allowed []string, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("missing argument: path")
	}
	resolved, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	for _, root := range allowed {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the allowed read paths", resolved)
}

func (p *ObservePlugin) readFile(_ context.Context, args map[string]any) (string, error) {
	resolved, err := resolveAllowed(p.allowedReadPaths, ArgsString(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(data) > maxReadFileBytes {
		return string(data[:maxReadFileBytes]) + "\n... (truncated)", nil
	}
	return string(data), nil
}

func processes(ctx context.Context, args map[string]any) (string, error) {
	out := runCmd(ctx, "ps", "aux")
	if out == "" {
		return "", fmt.Errorf("ps produced no output")
	}
	query := ArgsString(args, "query")
	if query == "" {
		return out, nil
	}
	lines := strings.Split(out, "\n")
	kept := []string{lines[0]}
	for _, line := range lines[1:] {
		if strings.Contains(line, query) {
			kept = append(kept, line)
		}
	}
	if len(kept) == 1 {
		return fmt.Sprintf("No processes matching %q.", query), nil
	}
	return strings.Join(kept, "\n"), nil
}

func systemInfo(ctx context.Context, _ map[string]any) (string, error) {
	hostname, _ := os.Hostname()

	info := []string{
		"=== System ===",
		fmt.Sprintf("Hostname: %s", hostname),
		fmt.Sprintf("OS: %s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if v := osVersion(ctx); v != "" {
		info = append(info, "OS Version: "+v)
	}

	info = append(info, "", "=== CPU ===")
	if name := cpuName(); name != "" {
		info = append(info, "Model: "+name)
	}
	info = append(info, fmt.Sprintf("Logical Cores: %d", runtime.NumCPU()))

	info = append(info, "", "=== Memory ===")
	if mem := memInfo(); mem != "" {
		info = append(info, mem)
	} else {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		info = append(info, fmt.Sprintf("Process Sys: %.1f MB", float64(ms.Sys)/1024/1024))
	}

	info = append(info, "", "=== Disk ===")
	if out := runCmd(ctx, "df", "-h", "/"); out != "" {
		info = append(info, out)
	} else {
		info = append(info, "Not available")
	}

	info = append(info, "", "=== Uptime ===")
	info = append(info, fmt.Sprintf("Agent: %.0f seconds", time.Since(startTime).Seconds()))
	if out := runCmd(ctx, "uptime"); out != "" {
		info = append(info, "System: "+out)
	}

	return strings.Join(info, "\n"), nil
}

func runCmd(ctx context.Context, name string, args ...string) string {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(out.String())
}

func osVersion(ctx context.Context) string {
	if runtime.GOOS == "darwin" {
		return runCmd(ctx, "sw_vers", "-productVersion")
	}
	data, err := os.ReadFile("/etc/os-release")
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "PRETTY_NAME=") {
				return strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
			}
		}
	}
	return runCmd(ctx, "uname", "-r")
}

func cpuName() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			if _, v, ok := strings.Cut(line, ":"); ok {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

func memInfo() string {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return ""
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			fmt.Sscanf(line, "MemTotal: %f kB", &total)
		case strings.HasPrefix(line, "MemAvailable:"):
			fmt.Sscanf(line, "MemAvailable: %f kB", &available)
		}
	}
	if total == 0 {
		return ""
	}
	return fmt.Sprintf("Total: %.1f GB\nUsed: %.1f GB\nAvailable: %.1f GB",
		total/1024/1024, (total-available)/1024/1024, available/1024/1024)
}
