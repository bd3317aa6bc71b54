package mcp

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"clawnix/internal/config"
	"clawnix/internal/domain"
)

// Dialer connects to one configured server.
type Dialer func(ctx context.Context, name string, cfg config.MCPServerConfig, logger *slog.Logger) (*Client, error)

// Manager owns the connections to every configured MCP server.
type Manager struct {
	servers map[string]config.MCPServerConfig
	dial    Dialer
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

func NewManager(servers map[string]config.MCPServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		servers: servers,
		dial:    Start,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// ConnectAll connects to every server in name order. A server that fails to
// start is logged and skipped.
func (m *Manager) ConnectAll(ctx context.Context) {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m.mu.Lock()
		_, connected := m.clients[name]
		m.mu.Unlock()
		if connected {
			continue
		}
		c, err := m.dial(ctx, name, m.servers[name], m.logger)
		if err != nil {
			m.logger.Error("failed to connect to mcp server", "server", name, "error", err)
			continue
		}
		m.mu.Lock()
		m.clients[name] = c
		m.mu.Unlock()
	}
}

// Connected lists the names of connected servers, sorted.
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tools lists the tools of every connected server.
func (m *Manager) Tools(ctx context.Context) []domain.Tool {
	return m.ToolsFor(ctx, m.Connected())
}

// ToolsFor lists the tools of the named servers that are connected. A
// server whose catalogue cannot be read is logged and skipped.
func (m *Manager) ToolsFor(ctx context.Context, servers []string) []domain.Tool {
	var tools []domain.Tool
	for _, name := range m.Connected() {
		if !slices.Contains(servers, name) {
			continue
		}
		m.mu.Lock()
		c := m.clients[name]
		m.mu.Unlock()

		infos, err := c.ListTools(ctx)
		if err != nil {
			m.logger.Error("failed to list mcp tools", "server", name, "error", err)
			continue
		}
		for _, info := range infos {
			tools = append(tools, newRemoteTool(c, info))
		}
	}
	return tools
}

// DisconnectAll closes every connection. Close errors are logged.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for name, c := range clients {
		if err := c.Close(); err != nil {
			m.logger.Debug("mcp close", "server", name, "error", err)
		}
	}
}
