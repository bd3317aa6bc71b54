package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadPersonality_DefaultWithoutIdentity(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "SOUL.md"), "ignored without identity")

	got, err := LoadPersonality(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != DefaultSystemPrompt {
		t.Fatalf("expected default prompt, got %q", got)
	}
}

func TestLoadPersonality_AllSections(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "IDENTITY.md"), "  I am Claw.\n")
	writeFile(t, filepath.Join(dir, "SOUL.md"), "Be kind.")
	writeFile(t, filepath.Join(dir, "USER.md"), "Prefers short answers.")
	writeFile(t, filepath.Join(dir, "memory", "MEMORY.md"), "Lives in Berlin.\n")

	got, err := LoadPersonality(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := "I am Claw.\n\n" +
		"## Values & Behavior\nBe kind.\n\n" +
		"## User Preferences\nPrefers short answers.\n\n" +
		"## Persistent Knowledge\nLives in Berlin."
	if got != want {
		t.Fatalf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestLoadPersonality_SkipsMissingAndBlank(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "IDENTITY.md"), "Identity")
	writeFile(t, filepath.Join(dir, "USER.md"), "   \n")
	writeFile(t, filepath.Join(dir, "memory", "MEMORY.md"), "facts")

	got, err := LoadPersonality(dir)
	if err != nil {
		t.Fatal(err)
	}
	if want := "Identity\n\n## Persistent Knowledge\nfacts"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLoadPersonality_MissingWorkspace(t *testing.T) {
	got, err := LoadPersonality(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	if got != DefaultSystemPrompt {
		t.Fatal("missing workspace should yield the default prompt")
	}
}
