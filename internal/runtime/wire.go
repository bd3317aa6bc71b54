package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"clawnix/internal/agent"
	"clawnix/internal/approval"
	"clawnix/internal/config"
	"clawnix/internal/conversation"
	"clawnix/internal/domain"
	"clawnix/internal/mcp"
	"clawnix/internal/plugin"
	"clawnix/internal/state"
)

// DelegationChannel is the channel of messages handed over by another agent.
// Replies on it stay on the receiving agent's bus.
const DelegationChannel = "delegation"

// Wiring is what Wire needs besides the instance itself.
type Wiring struct {
	Config   *config.Config
	Agent    config.AgentConfig
	Registry *plugin.Registry
	Broker   *agent.Broker // nil leaves delegation tools out
	MCP      *mcp.Manager  // nil skips MCP tools
	Provider domain.Provider
	Logger   *slog.Logger
}

// Wire registers the agent's tool plugins and MCP tools, initializes them and
// builds the Agent. The agent is not started.
func Wire(ctx context.Context, inst *Instance, w Wiring) error {
	if w.Logger == nil {
		w.Logger = inst.logger
	}
	cfg := w.Config

	var delegator domain.Delegator
	if w.Broker != nil {
		delegator = w.Broker
	}
	for _, name := range w.Agent.Tools {
		if name == "delegation" && delegator == nil {
			w.Logger.Debug("no broker, skipping delegation tools", "agent", inst.Name)
			continue
		}
		if !w.Registry.Has(name) {
			w.Logger.Warn("unknown tool plugin, skipping", "agent", inst.Name, "tool", name)
			continue
		}
		p, err := w.Registry.New(name, plugin.Deps{
			AgentName:    inst.Name,
			WorkspaceDir: inst.WorkspaceDir,
			Delegator:    delegator,
			Logger:       w.Logger,
		})
		if err != nil {
			return err
		}
		inst.Host.Register(p, pluginOptions(name, w.Agent, cfg, inst.WorkspaceDir))
	}

	if w.MCP != nil {
		for _, t := range w.MCP.ToolsFor(ctx, w.Agent.MCP.Servers) {
			if err := inst.Host.RegisterExternalTool(t); err != nil {
				w.Logger.Warn("skipping MCP tool", "tool", t.Name(), "error", err)
			}
		}
	}

	if err := inst.Host.InitAll(ctx); err != nil {
		return fmt.Errorf("agent %s: %w", inst.Name, err)
	}

	prompt, err := agent.LoadPersonality(inst.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("agent %s personality: %w", inst.Name, err)
	}

	inst.Conversations = conversation.NewManager(conversation.Config{
		State:              inst.Store,
		MaxTurns:           cfg.Conversation.MaxTurns,
		SummarizeThreshold: cfg.Conversation.SummarizeThreshold,
		KeepAfterSummary:   cfg.Conversation.KeepAfterSummary,
		Logger:             w.Logger,
	})
	inst.Approvals = approval.NewStore(inst.Store)
	inst.Usage = state.NewUsageTracker(inst.Store.DB())

	gate := approval.NewGate(approval.GateConfig{
		Bus:       inst.Bus,
		Store:     inst.Approvals,
		Evaluator: inst.Host,
		Timeout:   time.Duration(cfg.Security.ApprovalTimeoutSeconds) * time.Second,
		Logger:    w.Logger,
	})
	limiter := agent.NewRateLimiter(0, float64(cfg.AI.RateLimitPerMinute))
	loop := agent.NewLoop(agent.LoopConfig{
		Provider:      w.Provider,
		Model:         cfg.AI.Model,
		MaxTokens:     cfg.AI.MaxTokens,
		MaxIterations: cfg.General.MaxIterations,
		RateLimiter:   limiter,
		Logger:        w.Logger,
	})
	summarizer := conversation.NewSummarizer(conversation.SummarizerConfig{
		Provider: agent.NewMeteredProvider(agent.MeteredConfig{
			Provider:    w.Provider,
			RateLimiter: limiter,
			Usage:       inst.Usage,
			Agent:       inst.Name,
			Logger:      w.Logger,
		}),
		Model:  cfg.AI.Model,
		Logger: w.Logger,
	})

	inst.Agent = agent.New(agent.Config{
		Name:          inst.Name,
		SystemPrompt:  prompt,
		Bus:           inst.Bus,
		Conversations: inst.Conversations,
		Summarizer:    summarizer,
		Loop:          loop,
		Tools:         inst.Host,
		Gate:          gate,
		Usage:         inst.Usage,
		Logger:        w.Logger,
	})
	return nil
}

// DelegationHandler runs delegated work through inst's pipeline and returns
// its answer. ctx comes from the broker and carries the chain's depth, so
// delegations the target makes in turn are counted against the same bound.
func DelegationHandler(inst *Instance) agent.DelegationHandler {
	return func(ctx context.Context, req domain.DelegationRequest) (string, error) {
		text := fmt.Sprintf("[Delegated from %s] %s", req.From, req.Task)
		if req.Context != "" {
			text += "\nContext: " + req.Context
		}
		resp, err := inst.Agent.HandleMessage(ctx, domain.NewMessage(DelegationChannel, req.From, text))
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
}

// pluginOptions builds the option map a tool plugin reads at Init. Per-agent
// sections override the global tools section.
func pluginOptions(name string, ac config.AgentConfig, cfg *config.Config, workspace string) map[string]any {
	switch name {
	case "exec":
		if ac.Exec != nil {
			return toOptions(ac.Exec)
		}
		return toOptions(cfg.Tools.Exec)
	case "observe":
		if ac.Observe != nil {
			return toOptions(ac.Observe)
		}
		return toOptions(cfg.Tools.Observe)
	case "browser":
		if ac.Browser != nil {
			return toOptions(ac.Browser)
		}
		return toOptions(cfg.Tools.Browser)
	case "memory":
		return map[string]any{"workspaceDir": workspace}
	}
	return map[string]any{}
}

// toOptions converts a config section into the generic map plugins read,
// keyed by the section's json names.
func toOptions(v any) map[string]any {
	out := map[string]any{}
	data, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

// singleAgentConfig describes the implicit agent of a deployment without an
// agents section: the enabled global tools and every MCP server.
func singleAgentConfig(cfg *config.Config) config.AgentConfig {
	ac := config.AgentConfig{
		Description:  "Personal assistant",
		WorkspaceDir: cfg.WorkspaceDir,
	}
	t := cfg.Tools
	toggles := []struct {
		name    string
		enabled bool
	}{
		{"exec", t.Exec.Enable},
		{"observe", t.Observe.Enable},
		{"browser", t.Browser.Enable},
		{"scheduler", t.Scheduler.Enable},
		{"memory", t.Memory.Enable},
	}
	for _, tg := range toggles {
		if tg.enabled {
			ac.Tools = append(ac.Tools, tg.name)
		}
	}
	for name := range cfg.MCP.Servers {
		ac.MCP.Servers = append(ac.MCP.Servers, name)
	}
	sort.Strings(ac.MCP.Servers)
	return ac
}

// errNoAgents is returned when the configuration yields nothing to run.
var errNoAgents = errors.New("no agents configured")
