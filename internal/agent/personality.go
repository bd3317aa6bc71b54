package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSystemPrompt is used when the workspace has no IDENTITY.md.
const DefaultSystemPrompt = `You are ClawNix, a personal AI agent running on a NixOS system.
You help your user manage their NixOS system, development workflows, and daily tasks.
Be concise and direct. When using tools, explain what you're doing briefly.
If a task requires system changes (like nixos-rebuild), propose the change and ask the user to execute it.`

// personalitySections are appended after IDENTITY.md in this order.
var personalitySections = []struct {
	heading string
	path    []string
}{
	{"## Values & Behavior", []string{"SOUL.md"}},
	{"## User Preferences", []string{"USER.md"}},
	{"## Persistent Knowledge", []string{"memory", "MEMORY.md"}},
}

// LoadPersonality builds the system prompt from the markdown files in
// workspaceDir. Missing or blank files are skipped; without an identity the
// default prompt is returned.
func LoadPersonality(workspaceDir string) (string, error) {
	identity, err := readTrimmed(filepath.Join(workspaceDir, "IDENTITY.md"))
	if err != nil {
		return "", err
	}
	if identity == "" {
		return DefaultSystemPrompt, nil
	}

	sections := []string{identity}
	for _, s := range personalitySections {
		body, err := readTrimmed(filepath.Join(append([]string{workspaceDir}, s.path...)...))
		if err != nil {
			return "", err
		}
		if body != "" {
			sections = append(sections, s.heading+"\n"+body)
		}
	}
	return strings.Join(sections, "\n\n"), nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return strings.TrimSpace(string(data)), nil
}
