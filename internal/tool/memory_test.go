package tool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMemoryPlugin_ReadWrite(t *testing.T) {
	ws := t.TempDir()
	env := initPlugin(t, NewMemoryPlugin(ws), nil)

	if out := env.mustRun(t, "clawnix_memory_read", nil); !strings.HasPrefix(out, "Memory is empty.") {
		t.Fatalf("expected empty notice, got %q", out)
	}

	out := env.mustRun(t, "clawnix_memory_write", map[string]any{"content": "# Notes\nlikes tea"})
	if out != "Memory updated (17 characters written to MEMORY.md)." {
		t.Fatalf("unexpected write result %q", out)
	}
	if out := env.mustRun(t, "clawnix_memory_read", nil); out != "# Notes\nlikes tea" {
		t.Fatalf("read back %q", out)
	}

	data, err := os.ReadFile(filepath.Join(ws, "memory", "MEMORY.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# Notes\nlikes tea" {
		t.Fatalf("file content %q", data)
	}
}

func TestMemoryPlugin_ConfigOverridesWorkspace(t *testing.T) {
	ws := t.TempDir()
	initPlugin(t, NewMemoryPlugin("/nonexistent/ignored"), map[string]any{"workspaceDir": ws})

	if _, err := os.Stat(filepath.Join(ws, "memory")); err != nil {
		t.Fatalf("memory dir not created under configured workspace: %v", err)
	}
}
