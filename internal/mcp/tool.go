package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"clawnix/internal/domain"
)

// remoteTool adapts one server tool to domain.Tool.
type remoteTool struct {
	client *Client
	server string
	info   mcp.Tool
	schema map[string]any
}

func newRemoteTool(c *Client, info mcp.Tool) *remoteTool {
	return &remoteTool{client: c, server: c.Name(), info: info, schema: inputSchema(info)}
}

// inputSchema returns the tool's JSON schema as a generic map, preferring a
// raw schema the server sent verbatim.
func inputSchema(info mcp.Tool) map[string]any {
	raw := []byte(info.RawInputSchema)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(info.InputSchema); err != nil {
			raw = nil
		}
	}
	schema := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &schema); err != nil {
			schema = map[string]any{}
		}
	}
	if t, ok := schema["type"].(string); !ok || t == "" {
		schema["type"] = "object"
	}
	return schema
}

func (t *remoteTool) Name() string { return t.server + "_" + t.info.Name }

func (t *remoteTool) Description() string {
	if t.info.Description == "" {
		return t.info.Name
	}
	return t.info.Description
}

func (t *remoteTool) Parameters() map[string]any { return t.schema }

func (t *remoteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	res, err := t.client.CallTool(ctx, t.info.Name, args)
	if err != nil {
		return "", err
	}
	text := ResultText(res)
	if res.IsError {
		return "", errors.New(text)
	}
	return text, nil
}

// ResultText joins the text items of res with newlines. When there are
// none, the raw content is returned as JSON.
func ResultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	if text := strings.Join(parts, "\n"); text != "" {
		return text
	}
	raw, err := json.Marshal(res.Content)
	if err != nil {
		return ""
	}
	return string(raw)
}

var _ domain.Tool = (*remoteTool)(nil)
