package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"clawnix/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// fakeServer offers three tools: echo answers with two text items, image
// answers with non-text content and fail always reports a tool error.
func fakeServer() *server.MCPServer {
	s := server.NewMCPServer("fake", "1.0.0", server.WithToolCapabilities(false), server.WithRecovery())
	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo text"),
		mcp.WithString("msg", mcp.Description("Text to echo")),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		msg, _ := req.GetArguments()["msg"].(string)
		return &mcp.CallToolResult{Content: []mcp.Content{
			mcp.NewTextContent("echo: " + msg),
			mcp.NewTextContent("done"),
		}}, nil
	})
	s.AddTool(mcp.NewTool("image"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewImageContent("AAAA", "image/png")}}, nil
	})
	s.AddTool(mcp.NewTool("fail", mcp.WithDescription("Always fails")), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("disk full"), nil
	})
	return s
}

func inProcessClient(t *testing.T) *Client {
	t.Helper()
	conn, err := client.NewInProcessClient(fakeServer())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Start(ctx); err != nil {
		t.Fatal(err)
	}
	c := newClient("fake", conn, testLogger())
	t.Cleanup(func() { c.Close() })
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

// TestHelperMCPServer is not a real test: it turns the test binary into an
// MCP server when spawned by TestManager_ConnectAll.
func TestHelperMCPServer(t *testing.T) {
	if os.Getenv("CLAWNIX_MCP_HELPER") != "1" {
		return
	}
	if err := server.ServeStdio(fakeServer()); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func toolNamed(t *testing.T, tools []mcp.Tool, name string) mcp.Tool {
	t.Helper()
	for _, info := range tools {
		if info.Name == name {
			return info
		}
	}
	t.Fatalf("no tool %q in %+v", name, tools)
	return mcp.Tool{}
}

func TestClient_ListAndCall(t *testing.T) {
	c := inProcessClient(t)
	ctx := context.Background()

	infos, err := c.ListTools(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 {
		t.Fatalf("tools = %+v", infos)
	}

	res, err := c.CallTool(ctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if got := ResultText(res); got != "echo: hi\ndone" {
		t.Fatalf("text = %q", got)
	}
}

func TestClient_UnknownTool(t *testing.T) {
	c := inProcessClient(t)
	if _, err := c.CallTool(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected an error for an unknown tool")
	}
}

func TestClient_CallsAfterClose(t *testing.T) {
	c := inProcessClient(t)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListTools(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := c.CallTool(context.Background(), "echo", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestRemoteTool(t *testing.T) {
	c := inProcessClient(t)
	infos, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	echo := newRemoteTool(c, toolNamed(t, infos, "echo"))
	image := newRemoteTool(c, toolNamed(t, infos, "image"))
	fail := newRemoteTool(c, toolNamed(t, infos, "fail"))

	if echo.Name() != "fake_echo" || echo.Description() != "Echo text" {
		t.Fatalf("echo = %s / %s", echo.Name(), echo.Description())
	}
	props, ok := echo.Parameters()["properties"].(map[string]any)
	if !ok || props["msg"] == nil {
		t.Fatalf("input schema should be passed through, got %v", echo.Parameters())
	}
	if image.Description() != "image" || image.Parameters()["type"] != "object" {
		t.Fatalf("defaults not applied: %q %v", image.Description(), image.Parameters())
	}

	out, err := image.Execute(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"type":"image"`) {
		t.Fatalf("non-text content should fall back to JSON, got %q", out)
	}

	if _, err := fail.Execute(context.Background(), nil); err == nil || err.Error() != "disk full" {
		t.Fatalf("expected tool error, got %v", err)
	}
}

func TestInputSchemaPrefersRaw(t *testing.T) {
	raw := mcp.NewToolWithRawSchema("query", "Run a query", []byte(`{"type":"object","properties":{"sql":{"type":"string"}},"required":["sql"]}`))
	schema := inputSchema(raw)
	if req, ok := schema["required"].([]any); !ok || len(req) != 1 || req[0] != "sql" {
		t.Fatalf("schema = %v", schema)
	}

	empty := inputSchema(mcp.Tool{Name: "bare"})
	if empty["type"] != "object" {
		t.Fatalf("schema = %v", empty)
	}
}

func TestManager_ConnectAll(t *testing.T) {
	m := NewManager(map[string]config.MCPServerConfig{
		"helper": {
			Command: os.Args[0],
			Args:    []string{"-test.run=^TestHelperMCPServer$"},
			Env:     map[string]string{"CLAWNIX_MCP_HELPER": "1"},
		},
		"broken": {Command: "/nonexistent/clawnix-mcp-server"},
	}, testLogger())
	defer m.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.ConnectAll(ctx)

	if got := m.Connected(); len(got) != 1 || got[0] != "helper" {
		t.Fatalf("connected = %v", got)
	}

	tools := m.Tools(ctx)
	if len(tools) != 3 {
		t.Fatalf("tools = %d", len(tools))
	}
	var echo *remoteTool
	for _, tl := range tools {
		if tl.Name() == "helper_echo" {
			echo = tl.(*remoteTool)
		}
	}
	if echo == nil {
		t.Fatal("helper_echo missing")
	}
	out, err := echo.Execute(ctx, map[string]any{"msg": "nix"})
	if err != nil || out != "echo: nix\ndone" {
		t.Fatalf("execute = %q, %v", out, err)
	}

	if len(m.ToolsFor(ctx, []string{"other"})) != 0 {
		t.Fatal("tools of unselected servers must not be returned")
	}

	m.DisconnectAll()
	if len(m.Connected()) != 0 {
		t.Fatal("expected no connections after DisconnectAll")
	}
}
