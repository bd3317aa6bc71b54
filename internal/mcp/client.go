package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"clawnix/internal/config"
)

const clientVersion = "0.3.0"

// ErrClosed is returned for calls on a client that has been closed.
var ErrClosed = errors.New("mcp: connection closed")

// Client is an initialized connection to one MCP server.
type Client struct {
	name   string
	conn   *client.Client
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newClient(name string, conn *client.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{name: name, conn: conn, logger: logger.With("mcp_server", name)}
}

// Start spawns the server described by cfg, talks to it over stdio and
// completes the initialize handshake. The child inherits the environment
// plus cfg.Env.
func Start(ctx context.Context, name string, cfg config.MCPServerConfig, logger *slog.Logger) (*Client, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	conn, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}
	c := newClient(name, conn, logger)
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Name() string { return c.name }

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.check(); err != nil {
		return err
	}
	var req mcp.InitializeRequest
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "clawnix-" + c.name, Version: clientVersion}

	res, err := c.conn.Initialize(ctx, req)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	c.logger.Info("mcp server connected", "server_name", res.ServerInfo.Name, "protocol", res.ProtocolVersion)
	return nil
}

// ListTools returns the server's whole tool catalogue, following cursors.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	var (
		tools []mcp.Tool
		req   mcp.ListToolsRequest
	)
	for {
		res, err := c.conn.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == req.Params.Cursor {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
}

// CallTool invokes one tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.conn.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return res, nil
}

func (c *Client) check() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts the transport down. For spawned servers that closes the
// child's stdin and reaps the process.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
