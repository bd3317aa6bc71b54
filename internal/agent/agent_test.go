package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clawnix/internal/approval"
	"clawnix/internal/bus"
	"clawnix/internal/conversation"
	"clawnix/internal/domain"
	"clawnix/internal/plugin"
	"clawnix/internal/policy"
	"clawnix/internal/state"
)

type staticTools []domain.Tool

func (s staticTools) ToolsFor(channel, user string) []plugin.VisibleTool {
	out := make([]plugin.VisibleTool, 0, len(s))
	for _, t := range s {
		out = append(out, plugin.VisibleTool{Tool: t})
	}
	return out
}

type usageCall struct {
	agent, model string
	in, out      int
}

type usageSink struct {
	mu    sync.Mutex
	calls []usageCall
}

func (u *usageSink) Record(ctx context.Context, agent, model string, in, out int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, usageCall{agent, model, in, out})
	return nil
}

type agentFixture struct {
	agent    *Agent
	bus      *bus.EventBus
	convs    *conversation.Manager
	provider *scriptedProvider
	usage    *usageSink
}

func newAgentFixture(t *testing.T, p *scriptedProvider, tools ToolSource, convCfg conversation.Config, withSummarizer bool) *agentFixture {
	t.Helper()
	eb := bus.NewEventBus(testLogger())
	convCfg.State = state.NewMemoryStore()
	convCfg.Logger = testLogger()
	convs := conversation.NewManager(convCfg)
	usage := &usageSink{}
	cfg := Config{
		Name:          "personal",
		SystemPrompt:  "be helpful",
		Bus:           eb,
		Conversations: convs,
		Loop:          newTestLoop(p, 0),
		Tools:         tools,
		Usage:         usage,
		Logger:        testLogger(),
	}
	if withSummarizer {
		cfg.Summarizer = conversation.NewSummarizer(conversation.SummarizerConfig{Provider: p, Logger: testLogger()})
	}
	a := New(cfg)
	t.Cleanup(a.Close)
	return &agentFixture{agent: a, bus: eb, convs: convs, provider: p, usage: usage}
}

func collectResponses(eb *bus.EventBus) chan domain.Response {
	ch := make(chan domain.Response, 16)
	eb.Subscribe(bus.MessageResponse, func(e bus.Event) {
		ch <- e.Payload.(domain.Response)
	})
	return ch
}

func waitResponse(t *testing.T, ch chan domain.Response) domain.Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message:response")
		return domain.Response{}
	}
}

func TestAgent_HandleMessage(t *testing.T) {
	p := &scriptedProvider{responses: []*domain.ChatResponse{final("hi there", 12, 3)}}
	f := newAgentFixture(t, p, nil, conversation.Config{}, false)
	responses := collectResponses(f.bus)

	msg := domain.NewMessage("terminal", "local", "hello")
	resp, err := f.agent.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != msg.ID || resp.ReplyTo != msg.ID || resp.Text != "hi there" {
		t.Fatalf("response = %+v", resp)
	}
	if published := waitResponse(t, responses); published.ID != msg.ID {
		t.Fatalf("published %+v", published)
	}

	turns, err := f.convs.History(context.Background(), "terminal:local")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 || turns[0].Content != "hello" || turns[1].Content != "hi there" {
		t.Fatalf("history = %+v", turns)
	}
	if got := p.calls()[0].System; got != "be helpful" {
		t.Fatalf("system prompt = %q", got)
	}
	if len(f.usage.calls) != 1 || f.usage.calls[0] != (usageCall{"personal", "test-model", 12, 3}) {
		t.Fatalf("usage = %+v", f.usage.calls)
	}
}

func TestAgent_BusDrivenMessages(t *testing.T) {
	p := &scriptedProvider{responses: []*domain.ChatResponse{final("first", 1, 1), final("second", 1, 1)}}
	f := newAgentFixture(t, p, nil, conversation.Config{}, false)
	responses := collectResponses(f.bus)
	f.agent.Start(context.Background())

	m1 := domain.NewMessage("telegram", "42", "one")
	m2 := domain.NewMessage("telegram", "42", "two")
	f.bus.Publish(bus.MessageIncoming, m1)
	f.bus.Publish(bus.MessageIncoming, m2)

	r1 := waitResponse(t, responses)
	r2 := waitResponse(t, responses)
	if r1.ReplyTo != m1.ID || r2.ReplyTo != m2.ID {
		t.Fatalf("turns of one conversation must be answered in order: %s, %s", r1.ReplyTo, r2.ReplyTo)
	}

	// The second request sees the first exchange.
	second := p.calls()[1]
	if len(second.Turns) != 3 || second.Turns[1].Content != "first" {
		t.Fatalf("second request turns = %+v", second.Turns)
	}
}

func TestAgent_IgnoresMalformedPayload(t *testing.T) {
	p := &scriptedProvider{responses: []*domain.ChatResponse{final("x", 1, 1)}}
	f := newAgentFixture(t, p, nil, conversation.Config{}, false)
	f.agent.Start(context.Background())

	f.bus.Publish(bus.MessageIncoming, "not a message")
	f.agent.Close()
	if len(p.calls()) != 0 {
		t.Fatal("malformed payload must not reach the provider")
	}
}

func TestAgent_CloseUnsubscribes(t *testing.T) {
	p := &scriptedProvider{responses: []*domain.ChatResponse{final("x", 1, 1)}}
	f := newAgentFixture(t, p, nil, conversation.Config{}, false)
	f.agent.Start(context.Background())
	if f.bus.HandlerCount(bus.MessageIncoming) != 1 {
		t.Fatal("agent should subscribe once")
	}
	f.agent.Close()
	if f.bus.HandlerCount(bus.MessageIncoming) != 0 {
		t.Fatal("Close should unsubscribe")
	}
}

func TestAgent_ProviderFaultLeavesConversationUntouched(t *testing.T) {
	p := &scriptedProvider{err: errors.New("down")}
	f := newAgentFixture(t, p, nil, conversation.Config{}, false)
	responses := collectResponses(f.bus)
	ctx := context.Background()

	if _, err := f.agent.HandleMessage(ctx, domain.NewMessage("terminal", "local", "hello")); err == nil {
		t.Fatal("expected pipeline fault")
	}
	turns, _ := f.convs.History(ctx, "terminal:local")
	if len(turns) != 0 {
		t.Fatalf("failed turn must not be written, history = %+v", turns)
	}
	select {
	case r := <-responses:
		t.Fatalf("no response expected, got %+v", r)
	default:
	}

	p.mu.Lock()
	p.err = nil
	p.responses = []*domain.ChatResponse{final("back", 1, 1)}
	p.mu.Unlock()
	if _, err := f.agent.HandleMessage(ctx, domain.NewMessage("terminal", "local", "again")); err != nil {
		t.Fatal(err)
	}
	turns, _ = f.convs.History(ctx, "terminal:local")
	if len(turns) != 2 || turns[0].Content != "again" || turns[1].Content != "back" {
		t.Fatalf("history = %+v", turns)
	}
	if sent := p.calls()[1].Turns; len(sent) != 1 || sent[0].Content != "again" {
		t.Fatalf("model should only see the new turn, got %+v", sent)
	}
}

// flaggedTools offers every tool, marking the listed names as needing approval.
type flaggedTools struct {
	tools   []domain.Tool
	flagged map[string]bool
}

func (f flaggedTools) ToolsFor(channel, user string) []plugin.VisibleTool {
	out := make([]plugin.VisibleTool, 0, len(f.tools))
	for _, t := range f.tools {
		out = append(out, plugin.VisibleTool{Tool: t, NeedsApproval: f.flagged[t.Name()]})
	}
	return out
}

func TestAgent_FlaggedToolsGoThroughApproval(t *testing.T) {
	send := &stubTool{name: "clawnix_send", out: "sent"}
	read := &stubTool{name: "clawnix_read", out: "contents"}
	p := &scriptedProvider{responses: []*domain.ChatResponse{
		toolUse("", domain.ToolCall{ID: "1", Name: "clawnix_send"}, domain.ToolCall{ID: "2", Name: "clawnix_read"}),
		final("tried", 1, 1),
	}}
	tools := flaggedTools{tools: []domain.Tool{send, read}, flagged: map[string]bool{"clawnix_send": true}}
	f := newAgentFixture(t, p, tools, conversation.Config{}, false)

	var requests []domain.ApprovalRequest
	f.bus.Subscribe(bus.ApprovalRequest, func(e bus.Event) {
		req := e.Payload.(domain.ApprovalRequest)
		requests = append(requests, req)
		f.bus.Publish(bus.ApprovalDecide, domain.ApprovalDecision{ID: req.ID, Decision: "deny", By: "alice"})
	})
	f.agent.gate = approval.NewGate(approval.GateConfig{
		Bus:   f.bus,
		Store: approval.NewStore(state.NewMemoryStore()),
		Evaluator: evaluatorFunc(func(tool, channel, user string) policy.Effect {
			t.Errorf("policy evaluated again for %s", tool)
			return policy.Allow
		}),
		Timeout: time.Second,
		Logger:  testLogger(),
	})

	resp, err := f.agent.HandleMessage(context.Background(), domain.NewMessage("telegram", "42", "send it"))
	if err != nil {
		t.Fatal(err)
	}
	if send.callCount() != 0 || read.callCount() != 1 {
		t.Fatalf("send calls = %d, read calls = %d", send.callCount(), read.callCount())
	}
	if len(requests) != 1 || requests[0].Tool != "clawnix_send" || requests[0].Session != "telegram:42" {
		t.Fatalf("approval requests = %+v", requests)
	}
	if len(resp.ToolResults) != 2 || resp.ToolResults[0].Output != "Tool execution was denied." || resp.ToolResults[1].Output != "contents" {
		t.Fatalf("tool results = %+v", resp.ToolResults)
	}
}

func TestAgent_FlaggedToolDeniedWithoutGate(t *testing.T) {
	send := &stubTool{name: "clawnix_send", out: "sent"}
	p := &scriptedProvider{responses: []*domain.ChatResponse{
		toolUse("", domain.ToolCall{ID: "1", Name: "clawnix_send"}),
		final("tried", 1, 1),
	}}
	tools := flaggedTools{tools: []domain.Tool{send}, flagged: map[string]bool{"clawnix_send": true}}
	f := newAgentFixture(t, p, tools, conversation.Config{}, false)

	if _, err := f.agent.HandleMessage(context.Background(), domain.NewMessage("terminal", "local", "send")); err != nil {
		t.Fatal(err)
	}
	if send.callCount() != 0 {
		t.Fatal("flagged tool must not run without a gate")
	}
}

type evaluatorFunc func(tool, channel, user string) policy.Effect

func (f evaluatorFunc) Effect(tool, channel, user string) policy.Effect {
	return f(tool, channel, user)
}

func TestAgent_SummarizesLongConversations(t *testing.T) {
	p := &scriptedProvider{responses: []*domain.ChatResponse{
		final("reply one", 1, 1),
		final("reply two", 1, 1),
		final("user likes tea", 1, 1),
	}}
	f := newAgentFixture(t, p, nil, conversation.Config{SummarizeThreshold: 4, KeepAfterSummary: 2}, true)
	ctx := context.Background()

	if _, err := f.agent.HandleMessage(ctx, domain.NewMessage("terminal", "local", "one")); err != nil {
		t.Fatal(err)
	}
	if _, err := f.agent.HandleMessage(ctx, domain.NewMessage("terminal", "local", "two")); err != nil {
		t.Fatal(err)
	}

	summary, ok, err := f.convs.Summary(ctx, "terminal:local")
	if err != nil || !ok {
		t.Fatalf("expected a summary, ok=%v err=%v", ok, err)
	}
	if summary != "user likes tea" {
		t.Fatalf("summary = %q", summary)
	}
	turns, _ := f.convs.History(ctx, "terminal:local")
	if len(turns) != 2 || turns[1].Content != "reply two" {
		t.Fatalf("history after trim = %+v", turns)
	}
}

func TestAgent_DistinctConversationsDoNotBlockEachOther(t *testing.T) {
	release := make(chan struct{})
	p := &blockingProvider{release: release}
	eb := bus.NewEventBus(testLogger())
	a := New(Config{
		Name:          "personal",
		Bus:           eb,
		Conversations: conversation.NewManager(conversation.Config{State: state.NewMemoryStore()}),
		Loop:          newTestLoop(p, 0),
		Logger:        testLogger(),
	})
	responses := collectResponses(eb)
	a.Start(context.Background())
	defer a.Close()

	eb.Publish(bus.MessageIncoming, domain.NewMessage("terminal", "slow", "wait"))
	eb.Publish(bus.MessageIncoming, domain.NewMessage("terminal", "fast", "go"))

	if r := waitResponse(t, responses); r.Sender != "fast" {
		t.Fatalf("fast conversation should answer first, got %s", r.Sender)
	}
	close(release)
	if r := waitResponse(t, responses); r.Sender != "slow" {
		t.Fatalf("expected slow reply, got %s", r.Sender)
	}
}

// blockingProvider holds requests whose last user turn says "wait" until release closes.
type blockingProvider struct {
	release chan struct{}
}

func (b *blockingProvider) Name() string                  { return "blocking" }
func (b *blockingProvider) Healthy(context.Context) error { return nil }
func (b *blockingProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if last := req.Turns[len(req.Turns)-1]; last.Content == "wait" {
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return final("ok", 1, 1), nil
}
