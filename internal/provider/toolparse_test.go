package provider

import (
	"testing"

	"clawnix/internal/domain"
)

var parseTools = []domain.ToolDefinition{
	{Name: "clawnix_exec"},
	{Name: "clawnix_read_file"},
	{Name: "clawnix_system_info"},
}

// --- parseContentToolCalls ---

func TestParseContentToolCalls_SingleObject(t *testing.T) {
	calls := parseContentToolCalls(`{"name": "clawnix_exec", "arguments": {"command": "ls -la"}}`, parseTools)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "clawnix_exec" {
		t.Fatalf("expected 'clawnix_exec', got %q", calls[0].Name)
	}
	if calls[0].Arguments["command"] != "ls -la" {
		t.Fatalf("expected 'ls -la', got %v", calls[0].Arguments["command"])
	}
}

func TestParseContentToolCalls_ParametersField(t *testing.T) {
	calls := parseContentToolCalls(`{"name": "clawnix_read_file", "parameters": {"path": "/tmp/test.txt"}}`, parseTools)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["path"] != "/tmp/test.txt" {
		t.Fatalf("expected path, got %v", calls[0].Arguments)
	}
}

func TestParseContentToolCalls_Array(t *testing.T) {
	input := `[{"name": "clawnix_exec", "arguments": {"command": "ls"}}, {"name": "clawnix_exec", "arguments": {"command": "pwd"}}]`
	if calls := parseContentToolCalls(input, parseTools); len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
}

func TestParseContentToolCalls_CodeFenceWrapped(t *testing.T) {
	input := "```json\n{\"name\": \"clawnix_exec\", \"arguments\": {\"command\": \"echo hi\"}}\n```"
	calls := parseContentToolCalls(input, parseTools)
	if len(calls) != 1 || calls[0].Name != "clawnix_exec" {
		t.Fatalf("expected one clawnix_exec call from code fence, got %+v", calls)
	}
}

func TestParseContentToolCalls_SurroundingProse(t *testing.T) {
	input := "assistant\nSure.\n{\"name\": \"clawnix_system_info\"}\nLet me check."
	calls := parseContentToolCalls(input, parseTools)
	if len(calls) != 1 || calls[0].Name != "clawnix_system_info" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestParseContentToolCalls_NormalizesNames(t *testing.T) {
	cases := map[string]string{
		"exec":              "clawnix_exec",
		"read-file":         "clawnix_read_file",
		"CLAWNIX-READ-FILE": "clawnix_read_file",
	}
	for in, want := range cases {
		calls := parseContentToolCalls(`{"name": "`+in+`"}`, parseTools)
		if len(calls) != 1 || calls[0].Name != want {
			t.Errorf("%q: got %+v, want %s", in, calls, want)
		}
	}
}

func TestParseContentToolCalls_UnknownToolDropped(t *testing.T) {
	if calls := parseContentToolCalls(`{"name": "rm_everything"}`, parseTools); len(calls) != 0 {
		t.Fatalf("unknown tool should be dropped, got %+v", calls)
	}
	if calls := parseContentToolCalls(`{"name": "anything"}`, nil); len(calls) != 1 {
		t.Fatal("without a tool list names pass through")
	}
}

func TestParseContentToolCalls_NoCalls(t *testing.T) {
	for _, input := range []string{"Sure, let me help you with that!", "", `{"name": "", "arguments": {}}`} {
		if calls := parseContentToolCalls(input, parseTools); len(calls) != 0 {
			t.Fatalf("%q: expected 0 calls, got %d", input, len(calls))
		}
	}
}

func TestParseContentToolCalls_NilArguments(t *testing.T) {
	calls := parseContentToolCalls(`{"name": "clawnix_system_info"}`, parseTools)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments == nil {
		t.Fatal("arguments should be initialized to empty map")
	}
}

func TestParseContentToolCalls_WithInvalidEscapes(t *testing.T) {
	calls := parseContentToolCalls(`{"name": "clawnix_exec", "arguments": {"command": "echo 100\%"}}`, parseTools)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call after sanitization, got %d", len(calls))
	}
	if calls[0].Arguments["command"] != "echo 100%" {
		t.Fatalf("unexpected command %v", calls[0].Arguments["command"])
	}
}

// --- sanitizeJSONEscapes ---

func TestSanitizeJSONEscapes(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"key": "value with \"quotes\" and \\backslash"}`, `{"key": "value with \"quotes\" and \\backslash"}`},
		{`{"key": "100\% done"}`, `{"key": "100% done"}`},
		{`{"msg": "Hello \World \! \?"}`, `{"msg": "Hello World ! ?"}`},
		{`{"text": "line1\nline2\ttab"}`, `{"text": "line1\nline2\ttab"}`},
		{"", ""},
		{`{}`, `{}`},
	}
	for _, c := range cases {
		if got := sanitizeJSONEscapes(c.in); got != c.want {
			t.Errorf("sanitizeJSONEscapes(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

// --- stripRolePrefix ---

func TestStripRolePrefix(t *testing.T) {
	cases := map[string]string{
		"assistant\nHello": "Hello",
		"Assistant: Hi":    "Hi",
		"No prefix here":   "No prefix here",
	}
	for in, want := range cases {
		if got := stripRolePrefix(in); got != want {
			t.Errorf("stripRolePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

// --- coalesce ---

func TestCoalesce(t *testing.T) {
	a := map[string]any{"key": "a"}
	b := map[string]any{"key": "b"}
	if coalesce(a, b)["key"] != "a" {
		t.Fatal("first non-nil map should win")
	}
	if coalesce(nil, b)["key"] != "b" {
		t.Fatal("second map used when first is nil")
	}
	if result := coalesce(nil, nil); result == nil || len(result) != 0 {
		t.Fatalf("expected empty map, got %v", result)
	}
}
