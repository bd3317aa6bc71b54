package domain

import "context"

// Tool is the interface for model-invocable capabilities.
// Execute returns the text shown to the model; errors are turned into
// text by the tool-use loop.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Definition builds the provider-facing descriptor of a tool.
func Definition(t Tool) ToolDefinition {
	return ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Parameters(),
	}
}
