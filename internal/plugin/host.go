package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/policy"
)

// ErrDuplicateTool is returned when a tool name is registered twice on one host.
var ErrDuplicateTool = errors.New("tool already registered")

// VisibleTool is a tool offered to the model for one channel/user pair.
type VisibleTool struct {
	domain.Tool
	NeedsApproval bool
}

// Host registers plugins, drives their lifecycle and exposes the merged tool set
// filtered by policy.
type Host struct {
	mu       sync.RWMutex
	bus      *bus.EventBus
	state    domain.StateStore
	logger   *slog.Logger
	plugins  []registered
	tools    []domain.Tool
	byName   map[string]domain.Tool
	policies []policy.Rule
}

type registered struct {
	plugin Plugin
	config map[string]any
}

type HostConfig struct {
	Bus      *bus.EventBus
	State    domain.StateStore
	Policies []policy.Rule
	Logger   *slog.Logger
}

func NewHost(cfg HostConfig) *Host {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Host{
		bus:      cfg.Bus,
		state:    cfg.State,
		logger:   cfg.Logger,
		byName:   make(map[string]domain.Tool),
		policies: cfg.Policies,
	}
}

// Register queues a plugin with its configuration. Nothing runs until InitAll.
func (h *Host) Register(p Plugin, config map[string]any) {
	if config == nil {
		config = map[string]any{}
	}
	h.mu.Lock()
	h.plugins = append(h.plugins, registered{plugin: p, config: config})
	h.mu.Unlock()
	h.logger.Debug("registered plugin", "plugin", p.Name(), "version", p.Version())
}

// InitAll initializes plugins in registration order and stops at the first failure.
func (h *Host) InitAll(ctx context.Context) error {
	h.mu.RLock()
	plugins := append([]registered(nil), h.plugins...)
	h.mu.RUnlock()

	for _, rp := range plugins {
		pc := &Context{
			Logger:   h.logger.With("plugin", rp.plugin.Name()),
			Bus:      h.bus,
			State:    h.state,
			Config:   rp.config,
			register: h.addTool,
		}
		if err := rp.plugin.Init(ctx, pc); err != nil {
			return fmt.Errorf("init plugin %s: %w", rp.plugin.Name(), err)
		}
	}
	return nil
}

// ShutdownAll shuts plugins down in reverse registration order. Every plugin
// gets its Shutdown call even if an earlier one fails.
func (h *Host) ShutdownAll(ctx context.Context) error {
	h.mu.RLock()
	plugins := append([]registered(nil), h.plugins...)
	h.mu.RUnlock()

	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i].plugin
		if err := p.Shutdown(ctx); err != nil {
			h.logger.Warn("plugin shutdown failed", "plugin", p.Name(), "err", err)
			errs = append(errs, fmt.Errorf("shutdown plugin %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// RegisterExternalTool merges a tool sourced outside the plugin lifecycle.
func (h *Host) RegisterExternalTool(t domain.Tool) error {
	return h.addTool(t)
}

func (h *Host) addTool(t domain.Tool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byName[t.Name()]; exists {
		h.logger.Warn("duplicate tool ignored", "tool", t.Name())
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
	}
	h.byName[t.Name()] = t
	h.tools = append(h.tools, t)
	h.logger.Debug("registered tool", "tool", t.Name())
	return nil
}

// Tools returns every registered tool in registration order.
func (h *Host) Tools() []domain.Tool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]domain.Tool(nil), h.tools...)
}

func (h *Host) Tool(name string) (domain.Tool, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.byName[name]
	return t, ok
}

func (h *Host) SetPolicies(rules []policy.Rule) {
	h.mu.Lock()
	h.policies = append([]policy.Rule(nil), rules...)
	h.mu.Unlock()
}

func (h *Host) Policies() []policy.Rule {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]policy.Rule(nil), h.policies...)
}

// Effect evaluates the host's policies for one invocation.
func (h *Host) Effect(tool, channel, user string) policy.Effect {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return policy.Evaluate(h.policies, tool, channel, user)
}

// ToolsFor returns the tools offered to the model for channel/user.
// Denied tools are left out; tools that require approval are flagged.
func (h *Host) ToolsFor(channel, user string) []VisibleTool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]VisibleTool, 0, len(h.tools))
	for _, t := range h.tools {
		switch policy.Evaluate(h.policies, t.Name(), channel, user) {
		case policy.Deny:
			continue
		case policy.Approve:
			out = append(out, VisibleTool{Tool: t, NeedsApproval: true})
		default:
			out = append(out, VisibleTool{Tool: t})
		}
	}
	return out
}

// PluginNames lists registered plugins in registration order.
func (h *Host) PluginNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.plugins))
	for i, rp := range h.plugins {
		names[i] = rp.plugin.Name()
	}
	return names
}
