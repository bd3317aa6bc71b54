package provider

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"clawnix/internal/domain"
)

// parseContentToolCalls recovers tool calls that a model wrote into its text
// instead of the structured tool_calls field. Small local models do this a
// lot. Recognised shapes:
//   - Pure JSON: `{"name":"clawnix_exec","arguments":{...}}`
//   - Code-fenced: ```json\n{...}\n```
//   - JSON surrounded by prose: `Sure.\n{"name":...}\nRunning it now.`
//
// Names are normalised against tools so that "exec" or "clawnix-exec"
// resolve to "clawnix_exec".
func parseContentToolCalls(content string, tools []domain.ToolDefinition) []domain.ToolCall {
	content = strings.TrimSpace(stripRolePrefix(content))

	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) >= 3 && strings.HasPrefix(lines[len(lines)-1], "```") {
			content = strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
		}
	}

	calls := tryParseToolJSON(content)
	if len(calls) == 0 {
		if start, end := findJSONBounds(content); start >= 0 && end > start {
			calls = tryParseToolJSON(content[start:end])
		}
	}

	known := make(map[string]bool, len(tools))
	for _, t := range tools {
		known[t.Name] = true
	}
	var out []domain.ToolCall
	for _, c := range calls {
		name, ok := normalizeToolName(c.Name, known)
		if !ok {
			continue
		}
		c.Name = name
		out = append(out, c)
	}
	return out
}

// findJSONBounds locates the first top-level JSON object or array in s and
// returns [start, end). (-1, -1) means none was found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

type contentToolCall struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	Arguments  map[string]any `json:"arguments"`
}

// tryParseToolJSON parses raw as one tool call object or an array of them.
func tryParseToolJSON(raw string) []domain.ToolCall {
	if !json.Valid([]byte(raw)) {
		raw = sanitizeJSONEscapes(raw)
	}

	var single contentToolCall
	if err := json.Unmarshal([]byte(raw), &single); err == nil && single.Name != "" {
		return []domain.ToolCall{{
			ID:        fmt.Sprintf("extracted_%d", time.Now().UnixNano()),
			Name:      single.Name,
			Arguments: coalesce(single.Parameters, single.Arguments),
		}}
	}

	var multi []contentToolCall
	if err := json.Unmarshal([]byte(raw), &multi); err != nil {
		return nil
	}
	var calls []domain.ToolCall
	for i, tc := range multi {
		if tc.Name == "" {
			continue
		}
		calls = append(calls, domain.ToolCall{
			ID:        fmt.Sprintf("extracted_%d_%d", time.Now().UnixNano(), i),
			Name:      tc.Name,
			Arguments: coalesce(tc.Parameters, tc.Arguments),
		})
	}
	return calls
}

// normalizeToolName maps the name variations small models produce onto a
// registered tool. With no known tools every name passes through.
func normalizeToolName(name string, known map[string]bool) (string, bool) {
	if len(known) == 0 || known[name] {
		return name, true
	}
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for _, candidate := range []string{n, "clawnix_" + n} {
		if known[candidate] {
			return candidate, true
		}
	}
	return "", false
}

// stripRolePrefix removes role names that chat-template-aware models leak
// into content, e.g. "assistant\nHello" or "Assistant: Hello".
func stripRolePrefix(content string) string {
	for _, p := range []string{"assistant\n", "Assistant\n", "assistant:\n", "Assistant:\n", "assistant: ", "Assistant: "} {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// coalesce returns the first non-nil map, or an empty map if both are nil.
func coalesce(a, b map[string]any) map[string]any {
	if a != nil {
		return a
	}
	if b != nil {
		return b
	}
	return make(map[string]any)
}

// sanitizeJSONEscapes drops the backslash of escape sequences JSON does not
// allow, such as \% or \Y.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(s[i+1])
				i++
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}
