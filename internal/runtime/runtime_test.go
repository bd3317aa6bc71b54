package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawnix/internal/agent"
	"clawnix/internal/approval"
	"clawnix/internal/bus"
	"clawnix/internal/config"
	"clawnix/internal/domain"
	"clawnix/internal/plugin"
	"clawnix/internal/state"
	"clawnix/internal/tool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// doneProvider answers every chat with "done".
type doneProvider struct {
	calls atomic.Int32
}

func (p *doneProvider) Name() string                  { return "stub" }
func (p *doneProvider) Healthy(context.Context) error { return nil }

func (p *doneProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	p.calls.Add(1)
	return &domain.ChatResponse{
		Content:    "done",
		StopReason: domain.StopEndTurn,
		Usage:      domain.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

type recorder[T any] struct {
	mu  sync.Mutex
	got []T
	ch  chan T
}

func record[T any](eb *bus.EventBus, name string) *recorder[T] {
	r := &recorder[T]{ch: make(chan T, 32)}
	eb.Subscribe(name, func(e bus.Event) {
		v, ok := e.Payload.(T)
		if !ok {
			return
		}
		r.mu.Lock()
		r.got = append(r.got, v)
		r.mu.Unlock()
		select {
		case r.ch <- v:
		default:
		}
	})
	return r
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) next(t *testing.T) T {
	t.Helper()
	select {
	case v := <-r.ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	var zero T
	return zero
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()
	cfg.WorkspaceDir = t.TempDir()
	cfg.Tools.Observe.Enable = false
	cfg.Tools.Scheduler.Enable = false
	cfg.Tools.Memory.Enable = false
	return cfg
}

func multiConfig(t *testing.T) *config.Config {
	cfg := testConfig(t)
	cfg.Agents = map[string]config.AgentConfig{
		"devops":   {Description: "Servers and deployments", Tools: []string{"delegation"}},
		"research": {Description: "Papers and reading lists"},
	}
	return cfg
}

func startRuntime(t *testing.T, cfg *config.Config, opts Options) *Runtime {
	t.Helper()
	opts.Logger = testLogger()
	if opts.Provider == nil {
		opts.Provider = &doneProvider{}
	}
	if opts.Channels == nil {
		opts.Channels = []plugin.Plugin{}
	}
	rt, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(context.Background()) })
	require.NoError(t, rt.Start(context.Background()))
	return rt
}

func TestSingleAgentAnswersOnFrontBus(t *testing.T) {
	rt := startRuntime(t, testConfig(t), Options{})

	assert.Nil(t, rt.Router())
	assert.Nil(t, rt.Broker())
	require.Len(t, rt.Instances(), 1)
	inst, ok := rt.Instance(SingleAgentName)
	require.True(t, ok)
	assert.Same(t, inst.Bus, rt.Front())

	responses := record[domain.Response](rt.Front(), bus.MessageResponse)
	rt.Front().Publish(bus.MessageIncoming, domain.NewMessage("terminal", "local", "hi"))

	resp := responses.next(t)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, "terminal", resp.Channel)

	sum, err := instanceSet(rt.Instances()).Summary(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalCalls)
	assert.Equal(t, 10, sum.ByAgent[SingleAgentName].InputTokens)
}

func TestStartTwiceFails(t *testing.T) {
	rt := startRuntime(t, testConfig(t), Options{})
	assert.Error(t, rt.Start(context.Background()))
}

func TestMultiAgentPrefixRouting(t *testing.T) {
	rt := startRuntime(t, multiConfig(t), Options{})
	require.NotNil(t, rt.Router())
	assert.NotSame(t, rt.Front(), rt.Instances()[0].Bus)

	responses := record[domain.Response](rt.Front(), bus.MessageResponse)
	rt.Front().Publish(bus.MessageIncoming, domain.NewMessage("terminal", "local", "/r find papers"))
	assert.Equal(t, "done", responses.next(t).Text)

	ctx := context.Background()
	research, _ := rt.Instance("research")
	turns, err := research.Conversations.History(ctx, "terminal:local")
	require.NoError(t, err)
	require.NotEmpty(t, turns)
	assert.Equal(t, "find papers", turns[0].Content)

	devops, _ := rt.Instance("devops")
	turns, err = devops.Conversations.History(ctx, "terminal:local")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestMultiAgentClassifierRouting(t *testing.T) {
	classifier := agent.ClassifierFunc(func(context.Context, string, string) (string, error) {
		return " DevOps ", nil
	})
	rt := startRuntime(t, multiConfig(t), Options{Classifier: classifier})

	responses := record[domain.Response](rt.Front(), bus.MessageResponse)
	rt.Front().Publish(bus.MessageIncoming, domain.NewMessage("webui", "web", "restart nginx"))
	assert.Equal(t, "done", responses.next(t).Text)

	devops, _ := rt.Instance("devops")
	turns, err := devops.Conversations.History(context.Background(), "webui:web")
	require.NoError(t, err)
	require.NotEmpty(t, turns)
	assert.Equal(t, "restart nginx", turns[0].Content)
}

func TestMultiAgentUnroutableMessagesGetHelp(t *testing.T) {
	cases := map[string]agent.ClassifierFunc{
		"ambiguous": func(context.Context, string, string) (string, error) { return "AMBIGUOUS", nil },
		"unknown":   func(context.Context, string, string) (string, error) { return "finance", nil },
		"error": func(context.Context, string, string) (string, error) {
			return "", errors.New("provider down")
		},
	}
	for name, classifier := range cases {
		t.Run(name, func(t *testing.T) {
			p := &doneProvider{}
			rt := startRuntime(t, multiConfig(t), Options{Provider: p, Classifier: classifier})

			responses := record[domain.Response](rt.Front(), bus.MessageResponse)
			msg := domain.NewMessage("terminal", "local", "hello there")
			rt.Front().Publish(bus.MessageIncoming, msg)

			resp := responses.next(t)
			assert.Equal(t, msg.ID, resp.ReplyTo)
			assert.Contains(t, resp.Text, "/d devops")
			assert.Contains(t, resp.Text, "/r research")
			assert.Zero(t, p.calls.Load())
		})
	}
}

func TestDelegationRunsTargetPipeline(t *testing.T) {
	rt := startRuntime(t, multiConfig(t), Options{})
	devops, _ := rt.Instance("devops")
	research, _ := rt.Instance("research")

	_, ok := devops.Host.Tool("clawnix_delegate")
	assert.True(t, ok, "devops lists delegation")
	_, ok = research.Host.Tool("clawnix_delegate")
	assert.False(t, ok)

	agentReplies := record[domain.Response](research.Bus, bus.MessageResponse)
	front := record[domain.Response](rt.Front(), bus.MessageResponse)

	res := rt.Broker().Delegate(context.Background(), domain.DelegationRequest{
		From: "devops", To: "research", Task: "summarize the outage", Context: "db was slow",
	})
	assert.Equal(t, domain.DelegationCompleted, res.Status)
	assert.Equal(t, "done", res.Result)

	replies := agentReplies.all()
	require.Len(t, replies, 1)
	assert.Equal(t, DelegationChannel, replies[0].Channel)
	assert.Empty(t, front.all(), "delegation replies stay on the agent bus")

	turns, err := research.Conversations.History(context.Background(), DelegationChannel+":devops")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "[Delegated from devops] summarize the outage\nContext: db was slow", turns[0].Content)
	assert.Equal(t, "done", turns[1].Content)
}

// chainProvider makes every agent delegate onward: a fresh request goes to
// b, work from a goes to c, work from b goes back to a. Once a tool result
// comes back the agent answers "done".
type chainProvider struct{}

func (chainProvider) Name() string                  { return "chain" }
func (chainProvider) Healthy(context.Context) error { return nil }

func (chainProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	last := req.Turns[len(req.Turns)-1]
	if len(last.ToolOutputs) > 0 {
		return &domain.ChatResponse{Content: "done", StopReason: domain.StopEndTurn}, nil
	}
	target := "b"
	switch {
	case strings.HasPrefix(last.Content, "[Delegated from a]"):
		target = "c"
	case strings.HasPrefix(last.Content, "[Delegated from b]"):
		target = "a"
	}
	return &domain.ChatResponse{
		StopReason: domain.StopToolUse,
		ToolCalls: []domain.ToolCall{{
			ID:        "call-" + target,
			Name:      "clawnix_delegate",
			Arguments: map[string]any{"targetAgent": target, "task": "next step"},
		}},
	}, nil
}

func TestDelegationDepthBoundsChains(t *testing.T) {
	cfg := testConfig(t)
	cfg.Delegation.MaxDepth = 2
	cfg.Agents = map[string]config.AgentConfig{
		"a": {Description: "first", Tools: []string{"delegation"}},
		"b": {Description: "second", Tools: []string{"delegation"}},
		"c": {Description: "third", Tools: []string{"delegation"}},
	}
	rt := startRuntime(t, cfg, Options{Provider: chainProvider{}})
	a, _ := rt.Instance("a")
	c, _ := rt.Instance("c")

	ctx := context.Background()
	resp, err := a.Agent.HandleMessage(ctx, domain.NewMessage("terminal", "local", "start"))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)

	recent, err := state.NewAuditLog(rt.sharedDB, testLogger()).Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].FromAgent)
	assert.Equal(t, "b", recent[0].ToAgent)
	assert.Equal(t, domain.DelegationCompleted, recent[0].Status)
	assert.Equal(t, "b", recent[1].FromAgent)
	assert.Equal(t, "c", recent[1].ToAgent)
	assert.Equal(t, domain.DelegationError, recent[1].Status)
	assert.Contains(t, recent[1].Result, "depth limit")

	turns, err := c.Conversations.History(ctx, DelegationChannel+":b")
	require.NoError(t, err)
	assert.Empty(t, turns, "c never runs")
}

func TestApprovalTrafficIsBridged(t *testing.T) {
	rt := startRuntime(t, multiConfig(t), Options{})
	devops, _ := rt.Instance("devops")
	research, _ := rt.Instance("research")

	requests := record[domain.ApprovalRequest](rt.Front(), bus.ApprovalRequest)
	devops.Bus.Publish(bus.ApprovalRequest, domain.ApprovalRequest{ID: "a1", Tool: "clawnix_exec", Session: "terminal:local"})
	assert.Equal(t, "a1", requests.next(t).ID)

	devDecisions := record[domain.ApprovalDecision](devops.Bus, bus.ApprovalDecide)
	resDecisions := record[domain.ApprovalDecision](research.Bus, bus.ApprovalDecide)
	rt.Front().Publish(bus.ApprovalDecide, domain.ApprovalDecision{ID: "a1", Decision: "allow", By: "terminal:local"})
	assert.Len(t, devDecisions.all(), 1)
	assert.Len(t, resDecisions.all(), 1)
}

func TestInstanceSetAggregates(t *testing.T) {
	rt := startRuntime(t, multiConfig(t), Options{})
	ctx := context.Background()
	set := instanceSet(rt.Instances())
	devops, _ := rt.Instance("devops")
	research, _ := rt.Instance("research")

	_, err := devops.Approvals.Create(ctx, approval.Request{ID: "first", Tool: "clawnix_exec"})
	require.NoError(t, err)
	_, err = research.Approvals.Create(ctx, approval.Request{ID: "second", Tool: "clawnix_browser"})
	require.NoError(t, err)
	pending, err := set.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].ID)

	require.NoError(t, devops.Usage.Record(ctx, "devops", "m", 3, 1))
	require.NoError(t, research.Usage.Record(ctx, "research", "m", 7, 2))
	sum, err := set.Summary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, sum.TotalInputTokens)
	assert.Equal(t, 3, sum.TotalOutputTokens)
	assert.Equal(t, 2, sum.TotalCalls)
	assert.Equal(t, 7, sum.ByAgent["research"].InputTokens)

	require.NoError(t, devops.Conversations.AddUserMessage(ctx, "terminal:local", "a"))
	require.NoError(t, research.Conversations.AddUserMessage(ctx, "terminal:local", "b"))
	require.NoError(t, set.Clear(ctx, "terminal", "local"))
	for _, inst := range []*Instance{devops, research} {
		turns, err := inst.Conversations.History(ctx, "terminal:local")
		require.NoError(t, err)
		assert.Empty(t, turns, inst.Name)
	}
}

func TestWireSkipsUnknownAndUnbrokeredTools(t *testing.T) {
	cfg := testConfig(t)
	ac := config.AgentConfig{Tools: []string{"bogus", "delegation", "scheduler"}, WorkspaceDir: cfg.WorkspaceDir}
	inst, err := NewInstance("solo", ac, cfg.StateDir, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(context.Background()) })

	reg := plugin.NewRegistry()
	tool.RegisterBuiltins(reg)
	require.NoError(t, Wire(context.Background(), inst, Wiring{
		Config:   cfg,
		Agent:    ac,
		Registry: reg,
		Provider: &doneProvider{},
	}))

	assert.Equal(t, []string{"scheduler"}, inst.Host.PluginNames())
	assert.NotNil(t, inst.Agent)
	assert.NotNil(t, inst.Approvals)
}

func TestPluginOptions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Tools.Exec.WorkingDir = "/srv"

	opts := pluginOptions("exec", config.AgentConfig{}, cfg, "/ws")
	assert.Equal(t, float64(30), opts["defaultTimeout"])
	assert.Equal(t, "/srv", opts["workingDir"])

	override := config.AgentConfig{Exec: &config.ExecToolConfig{AllowedPackages: []string{"git"}}}
	opts = pluginOptions("exec", override, cfg, "/ws")
	assert.Equal(t, []any{"git"}, opts["allowedPackages"])
	assert.NotContains(t, opts, "workingDir")

	opts = pluginOptions("browser", config.AgentConfig{}, cfg, "/ws")
	assert.Equal(t, true, opts["headless"])

	assert.Equal(t, map[string]any{"workspaceDir": "/ws"}, pluginOptions("memory", config.AgentConfig{}, cfg, "/ws"))
	assert.Empty(t, pluginOptions("scheduler", config.AgentConfig{}, cfg, "/ws"))
}

func TestSingleAgentConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.WorkspaceDir = "/ws"
	cfg.Tools.Exec.Enable = true
	cfg.MCP.Servers = map[string]config.MCPServerConfig{
		"github": {Command: "gh-mcp"},
		"files":  {Command: "fs-mcp"},
	}

	ac := singleAgentConfig(cfg)
	assert.Equal(t, []string{"exec", "observe", "scheduler", "memory"}, ac.Tools)
	assert.Equal(t, []string{"files", "github"}, ac.MCP.Servers)
	assert.Equal(t, "/ws", ac.WorkspaceDir)
}

func TestDBPaths(t *testing.T) {
	cfg := config.Defaults()
	cfg.StateDir = "/state"
	assert.Equal(t, map[string]string{"main": "/state/clawnix.db"}, DBPaths(cfg))

	cfg.Agents = map[string]config.AgentConfig{"devops": {}, "research": {}}
	assert.Equal(t, map[string]string{
		"devops":   "/state/devops/clawnix.db",
		"research": "/state/research/clawnix.db",
	}, DBPaths(cfg))
	assert.Equal(t, "/state/clawnix-shared.db", SharedDBPath(cfg))
}
