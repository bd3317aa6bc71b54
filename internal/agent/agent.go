package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"clawnix/internal/approval"
	"clawnix/internal/bus"
	"clawnix/internal/conversation"
	"clawnix/internal/domain"
	"clawnix/internal/metrics"
	"clawnix/internal/plugin"
	"clawnix/internal/policy"
)

// ToolSource yields the tools visible to one channel/user pair.
// *plugin.Host satisfies it.
type ToolSource interface {
	ToolsFor(channel, user string) []plugin.VisibleTool
}

// UsageRecorder persists token usage per model call chain.
type UsageRecorder interface {
	Record(ctx context.Context, agent, model string, inputTokens, outputTokens int) error
}

// Agent answers message:incoming events on its bus with message:response
// events, keeping one conversation per channel/sender pair.
type Agent struct {
	name          string
	systemPrompt  string
	bus           *bus.EventBus
	conversations *conversation.Manager
	summarizer    *conversation.Summarizer
	loop          *Loop
	tools         ToolSource
	gate          *approval.Gate
	usage         UsageRecorder
	logger        *slog.Logger

	turns TurnQueue

	mu          sync.Mutex
	unsubscribe func()
	cancel      context.CancelFunc
	inflight    sync.WaitGroup
}

// Config wires an Agent. Summarizer, Gate and Usage are optional.
type Config struct {
	Name          string
	SystemPrompt  string
	Bus           *bus.EventBus
	Conversations *conversation.Manager
	Summarizer    *conversation.Summarizer
	Loop          *Loop
	Tools         ToolSource
	Gate          *approval.Gate
	Usage         UsageRecorder
	Logger        *slog.Logger
}

func New(cfg Config) *Agent {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &Agent{
		name:          cfg.Name,
		systemPrompt:  cfg.SystemPrompt,
		bus:           cfg.Bus,
		conversations: cfg.Conversations,
		summarizer:    cfg.Summarizer,
		loop:          cfg.Loop,
		tools:         cfg.Tools,
		gate:          cfg.Gate,
		usage:         cfg.Usage,
		logger:        cfg.Logger.With("agent", cfg.Name),
	}
}

func (a *Agent) Name() string { return a.name }

// Start subscribes the agent to message:incoming. Each message is handled on
// its own goroutine; messages of one conversation are processed in arrival
// order. ctx bounds every handler started afterwards.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsubscribe != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.unsubscribe = a.bus.Subscribe(bus.MessageIncoming, func(e bus.Event) {
		msg, ok := messagePayload(e.Payload)
		if !ok {
			a.logger.Warn("ignoring malformed incoming message", "payload", fmt.Sprintf("%T", e.Payload))
			return
		}
		a.dispatch(ctx, msg)
	})
	a.logger.Info("agent started")
}

func (a *Agent) dispatch(ctx context.Context, msg domain.Message) {
	a.inflight.Add(1)
	a.turns.Submit(conversation.ID(msg.Channel, msg.Sender), func() {
		defer a.inflight.Done()
		if _, err := a.handle(ctx, msg); err != nil {
			a.logger.Error("message handling failed", "channel", msg.Channel, "sender", msg.Sender, "error", err)
		}
	})
}

// Close unsubscribes, cancels in-flight handlers and waits for them to return.
func (a *Agent) Close() {
	a.mu.Lock()
	unsub, cancel := a.unsubscribe, a.cancel
	a.unsubscribe, a.cancel = nil, nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	a.inflight.Wait()
}

// HandleMessage runs the full pipeline for msg on the caller's goroutine and
// returns the response it published. It is not queued behind bus-driven turns
// of the same conversation, so a delegation chain that comes back to this
// agent cannot wait on itself. ctx carries the delegation depth of the chain.
func (a *Agent) HandleMessage(ctx context.Context, msg domain.Message) (domain.Response, error) {
	if err := ctx.Err(); err != nil {
		return domain.Response{}, err
	}
	return a.handle(ctx, msg)
}

// handle leaves the conversation untouched unless the whole turn succeeds:
// the loop sees a draft with the user turn, and both turns are stored together.
func (a *Agent) handle(ctx context.Context, msg domain.Message) (domain.Response, error) {
	metrics.MessagesTotal.Inc()
	convID := conversation.ID(msg.Channel, msg.Sender)
	a.logger.Info("processing message", "conversation", convID, "content_len", len(msg.Text))

	history, err := a.conversations.Draft(ctx, convID, msg.Text)
	if err != nil {
		return domain.Response{}, fmt.Errorf("load history: %w", err)
	}

	var tools []domain.Tool
	needsApproval := make(map[string]bool)
	if a.tools != nil {
		for _, vt := range a.tools.ToolsFor(msg.Channel, msg.Sender) {
			tools = append(tools, vt.Tool)
			if vt.NeedsApproval {
				needsApproval[vt.Tool.Name()] = true
			}
		}
	}

	res, err := a.loop.Run(ctx, history, tools, a.systemPrompt, a.gateFor(msg, needsApproval))
	a.recordUsage(ctx, res.Usage)
	if err != nil {
		return domain.Response{}, fmt.Errorf("tool-use loop: %w", err)
	}

	if err := a.conversations.AddExchange(ctx, convID, msg.Text, res.Text); err != nil {
		return domain.Response{}, fmt.Errorf("record turns: %w", err)
	}

	resp := domain.Response{
		ID:          msg.ID,
		Channel:     msg.Channel,
		Sender:      msg.Sender,
		Text:        res.Text,
		ToolResults: res.ToolResults,
		ReplyTo:     msg.ID,
	}
	a.bus.Publish(bus.MessageResponse, resp)

	if a.summarizer != nil {
		if _, err := a.summarizer.Compact(ctx, a.conversations, convID); err != nil {
			a.logger.Warn("conversation compaction failed", "conversation", convID, "error", err)
		}
	}
	return resp, nil
}

// gateFor lets tools offered without approval run and asks a human about the
// flagged ones. Flagged tools are denied when the agent has no gate.
func (a *Agent) gateFor(msg domain.Message, needsApproval map[string]bool) approval.GateFunc {
	if len(needsApproval) == 0 {
		return nil
	}
	return func(ctx context.Context, tool string, input map[string]any) policy.Effect {
		if !needsApproval[tool] {
			return policy.Allow
		}
		if a.gate == nil {
			return policy.Deny
		}
		return a.gate.Request(ctx, tool, input, msg.Channel, msg.Sender)
	}
}

func (a *Agent) recordUsage(ctx context.Context, u domain.Usage) {
	if a.usage == nil || (u.InputTokens == 0 && u.OutputTokens == 0) {
		return
	}
	if err := a.usage.Record(context.WithoutCancel(ctx), a.name, a.loop.Model(), u.InputTokens, u.OutputTokens); err != nil {
		a.logger.Warn("failed to record usage", "error", err)
	}
}

func messagePayload(p any) (domain.Message, bool) {
	switch m := p.(type) {
	case domain.Message:
		return m, true
	case *domain.Message:
		if m != nil {
			return *m, true
		}
	}
	return domain.Message{}, false
}

// TurnQueue runs submitted work one item at a time per key, in submission
// order, without blocking the submitter.
type TurnQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
}

func (q *TurnQueue) Submit(key string, fn func()) {
	q.mu.Lock()
	if q.pending == nil {
		q.pending = make(map[string][]func())
	}
	queue, running := q.pending[key]
	q.pending[key] = append(queue, fn)
	q.mu.Unlock()
	if !running {
		go q.drain(key)
	}
}

func (q *TurnQueue) drain(key string) {
	for {
		q.mu.Lock()
		queue := q.pending[key]
		if len(queue) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn := queue[0]
		q.pending[key] = queue[1:]
		q.mu.Unlock()
		fn()
	}
}

// Pending reports how many conversations have queued or running turns.
func (q *TurnQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
