package tool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestObservePlugin_RegistersTools(t *testing.T) {
	env := initPlugin(t, NewObservePlugin(nil), nil)
	for _, name := range []string{"clawnix_system_info", "clawnix_processes", "clawnix_read_file"} {
		if _, ok := env.host.Tool(name); !ok {
			t.Errorf("missing %s", name)
		}
	}
}

func TestObservePlugin_SystemInfo(t *testing.T) {
	env := initPlugin(t, NewObservePlugin(nil), nil)
	out := env.mustRun(t, "clawnix_system_info", nil)
	for _, section := range []string{"=== System ===", "=== CPU ===", "Logical Cores:"} {
		if !strings.Contains(out, section) {
			t.Errorf("output missing %q", section)
		}
	}
}

func TestObservePlugin_ReadFileRestricted(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	inside := filepath.Join(allowed, "notes.txt")
	outside := filepath.Join(other, "secret.txt")
	os.WriteFile(inside, []byte("visible"), 0o644)
	os.WriteFile(outside, []byte("hidden"), 0o644)

	env := initPlugin(t, NewObservePlugin(nil), map[string]any{"allowedReadPaths": []any{allowed}})

	if out := env.mustRun(t, "clawnix_read_file", map[string]any{"path": inside}); out != "visible" {
		t.Fatalf("got %q", out)
	}
	if _, err := env.run(t, "clawnix_read_file", map[string]any{"path": outside}); err == nil {
		t.Fatal("read outside allowed paths should fail")
	}
	traversal := filepath.Join(allowed, "..", filepath.Base(other), "secret.txt")
	if _, err := env.run(t, "clawnix_read_file", map[string]any{"path": traversal}); err == nil {
		t.Fatal("traversal out of allowed path should fail")
	}
}

func TestResolveAllowed_PrefixSibling(t *testing.T) {
	if _, err := resolveAllowed([]string{"/tmp/data"}, "/tmp/database/x"); err == nil {
		t.Fatal("sibling directory sharing a prefix must not be allowed")
	}
	if got, err := resolveAllowed([]string{"/tmp/data"}, "/tmp/data/x"); err != nil || got != "/tmp/data/x" {
		t.Fatalf("got %q, %v", got, err)
	}
}
