// Package tool holds the built-in plugin variants and the helpers they share
// for describing tool inputs.
package tool

import (
	"context"
	"encoding/json"

	"clawnix/internal/domain"
)

// Param describes a single tool parameter.
type Param struct {
	Type        string
	Description string
}

// ToolParameters builds a JSON Schema "parameters" object for a tool.
func ToolParameters(properties map[string]Param, required []string) map[string]any {
	props := make(map[string]any)
	for name, p := range properties {
		props[name] = map[string]any{"type": p.Type, "description": p.Description}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// NoParams is the schema of a tool that takes no input.
func NoParams() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func ArgsString(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgsInt reads a numeric argument; model-produced JSON numbers arrive as float64.
func ArgsInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Func adapts a plain function into a domain.Tool.
type Func struct {
	ToolName string
	Desc     string
	Schema   map[string]any
	Run      func(ctx context.Context, args map[string]any) (string, error)
}

var _ domain.Tool = (*Func)(nil)

func (f *Func) Name() string        { return f.ToolName }
func (f *Func) Description() string { return f.Desc }

func (f *Func) Parameters() map[string]any {
	if f.Schema == nil {
		return NoParams()
	}
	return f.Schema
}

func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Run(ctx, args)
}
