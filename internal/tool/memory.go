package tool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"clawnix/internal/plugin"
)

// MemoryPlugin exposes the agent's persistent notes file, <workspace>/memory/MEMORY.md.
type MemoryPlugin struct {
	workspaceDir string
	file         string
}

func NewMemoryPlugin(workspaceDir string) *MemoryPlugin {
	return &MemoryPlugin{workspaceDir: workspaceDir}
}

func (p *MemoryPlugin) Name() string    { return "memory" }
func (p *MemoryPlugin) Version() string { return "0.1.0" }

func (p *MemoryPlugin) Init(_ context.Context, pc *plugin.Context) error {
	dir := filepath.Join(pc.ConfigString("workspaceDir", p.workspaceDir), "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	p.file = filepath.Join(dir, "MEMORY.md")

	err := pc.RegisterTool(&Func{
		ToolName: "clawnix_memory_read",
		Desc: "Read the agent's persistent memory file (MEMORY.md). Contains learned preferences, " +
			"facts, and notes that persist across conversations.",
		Run: p.read,
	})
	if err != nil {
		return err
	}
	err = pc.RegisterTool(&Func{
		ToolName: "clawnix_memory_write",
		Desc: "Write to the agent's persistent memory file (MEMORY.md). Overwrites the entire file; " +
			"read first if you want to append.",
		Schema: ToolParameters(map[string]Param{
			"content": {Type: "string", Description: "Full content for MEMORY.md (markdown format)"},
		}, []string{"content"}),
		Run: p.write,
	})
	if err != nil {
		return err
	}

	pc.Logger.Info("memory plugin registered", "file", p.file)
	return nil
}

func (p *MemoryPlugin) read(context.Context, map[string]any) (string, error) {
	data, err := os.ReadFile(p.file)
	if errors.Is(err, os.ErrNotExist) {
		return "Memory is empty. Use clawnix_memory_write to save information.", nil
	}
	if err != nil {
		return "", fmt.Errorf("read memory: %w", err)
	}
	return string(data), nil
}

func (p *MemoryPlugin) write(_ context.Context, args map[string]any) (string, error) {
	content := ArgsString(args, "content")
	if err := os.WriteFile(p.file, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write memory: %w", err)
	}
	return fmt.Sprintf("Memory updated (%d characters written to MEMORY.md).", len([]rune(content))), nil
}

func (p *MemoryPlugin) Shutdown(context.Context) error { return nil }
