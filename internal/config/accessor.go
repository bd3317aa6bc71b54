package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// The accessors below work on the JSON form of Config, so paths use the json
// field names: "ai.model", "agents.devops.description", "security.policies.0.tool".

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func fromTree(tree map[string]any, cfg *Config) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// step descends one path segment into a map or a slice.
func step(node any, key string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		child, ok := v[key]
		if !ok {
			return nil, fmt.Errorf("no such key %q", key)
		}
		return child, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, fmt.Errorf("invalid index %q (length %d)", key, len(v))
		}
		return v[idx], nil
	default:
		return nil, fmt.Errorf("%q is a %T, not an object or list", key, node)
	}
}

// GetByPath returns the value at a dotted path such as "ai.model".
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		if node, err = step(node, key); err != nil {
			return nil, fmt.Errorf("get %s: %w", path, err)
		}
	}
	return node, nil
}

// SetByPath stores value at a dotted path and decodes the result back into
// cfg. Missing intermediate objects are created, so new agents can be added
// with "agents.<name>.description". String values are coerced by parseValue.
func SetByPath(cfg *Config, path string, value any) error {
	if path == "" {
		return errors.New("empty path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	last := keys[len(keys)-1]
	var node any = tree
	for _, key := range keys[:len(keys)-1] {
		if m, ok := node.(map[string]any); ok {
			if child, exists := m[key]; !exists || child == nil {
				m[key] = map[string]any{}
			}
		}
		if node, err = step(node, key); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}

	switch container := node.(type) {
	case map[string]any:
		container[last] = parseValue(value)
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(container) {
			return fmt.Errorf("set %s: invalid index %q", path, last)
		}
		container[idx] = parseValue(value)
	default:
		return fmt.Errorf("set %s: parent is a %T", path, node)
	}

	if err := fromTree(tree, cfg); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// parseValue turns command-line strings into bools and numbers so they
// decode into typed fields.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "true" || s == "false" {
		return s == "true"
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a deep copy with provider keys, the bot token and
// secret-looking MCP environment values masked.
func Sanitize(cfg *Config) *Config {
	tree, err := toTree(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := fromTree(tree, &out); err != nil {
		return cfg
	}

	out.AI.APIKey = mask(out.AI.APIKey)
	for i := range out.AI.Failover {
		out.AI.Failover[i].APIKey = mask(out.AI.Failover[i].APIKey)
	}
	out.Channels.Telegram.BotToken = mask(out.Channels.Telegram.BotToken)
	for _, srv := range out.MCP.Servers {
		for k, v := range srv.Env {
			if looksSecret(k) {
				srv.Env[k] = mask(v)
			}
		}
	}
	return &out
}

func looksSecret(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range []string{"KEY", "TOKEN", "SECRET", "PASSWORD"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// mask keeps four characters at each end of long secrets. Env references
// like ${ANTHROPIC_API_KEY} are not secrets and stay readable.
func mask(s string) string {
	switch {
	case s == "", strings.HasPrefix(s, "${"):
		return s
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// ListPaths flattens the config into dotted leaf paths and their values.
// Lists are leaves.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			if child, ok := v.(map[string]any); ok {
				walk(path, child)
				continue
			}
			out[path] = v
		}
	}
	walk("", tree)
	return out
}
