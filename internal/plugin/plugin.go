// Package plugin owns plugin lifecycle and the tool registry of one agent instance.
package plugin

import (
	"context"
	"log/slog"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
)

// Plugin is a capability set: it registers tools (or subscribes to the bus)
// during Init and releases its resources in Shutdown.
type Plugin interface {
	Name() string
	Version() string
	Init(ctx context.Context, pc *Context) error
	Shutdown(ctx context.Context) error
}

// Context is what a plugin receives at Init.
type Context struct {
	Logger *slog.Logger
	Bus    *bus.EventBus
	State  domain.StateStore
	Config map[string]any

	register func(domain.Tool) error
}

// RegisterTool adds a tool to the host's registry.
func (c *Context) RegisterTool(t domain.Tool) error {
	return c.register(t)
}

// ConfigString reads a string option, returning def when absent or not a string.
func (c *Context) ConfigString(key, def string) string {
	if v, ok := c.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// ConfigInt reads a numeric option. JSON numbers decode as float64.
func (c *Context) ConfigInt(key string, def int) int {
	switch v := c.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// ConfigStrings reads a list of strings.
func (c *Context) ConfigStrings(key string) []string {
	switch v := c.Config[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
