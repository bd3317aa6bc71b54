// Package runtime assembles agent instances from configuration and runs them
// behind the input channels, in single-agent or multi-agent mode.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"clawnix/internal/agent"
	"clawnix/internal/approval"
	"clawnix/internal/bus"
	"clawnix/internal/config"
	"clawnix/internal/conversation"
	"clawnix/internal/plugin"
	"clawnix/internal/policy"
	"clawnix/internal/state"
)

const dbFileName = "clawnix.db"

// AgentStateDir is where the named agent keeps its database. The implicit
// single agent uses the state directory itself.
func AgentStateDir(cfg *config.Config, name string) string {
	if !cfg.MultiAgent() {
		return cfg.StateDir
	}
	return filepath.Join(cfg.StateDir, name)
}

// DBPaths maps every configured agent to its database file.
func DBPaths(cfg *config.Config) map[string]string {
	if !cfg.MultiAgent() {
		return map[string]string{SingleAgentName: filepath.Join(cfg.StateDir, dbFileName)}
	}
	out := make(map[string]string, len(cfg.Agents))
	for name := range cfg.Agents {
		out[name] = filepath.Join(AgentStateDir(cfg, name), dbFileName)
	}
	return out
}

// SharedDBPath is the database holding the delegation audit log. Only
// multi-agent deployments create it.
func SharedDBPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, sharedDBFileName)
}

// Instance is one isolated agent: its own bus, state database, plugin host
// and tool policies. Wire completes it with tools and the agent itself.
type Instance struct {
	Name         string
	Description  string
	WorkspaceDir string
	Bus          *bus.EventBus
	Store        *state.Store
	Host         *plugin.Host

	// Set by Wire.
	Agent         *agent.Agent
	Conversations *conversation.Manager
	Approvals     *approval.Store
	Usage         *state.UsageTracker

	logger *slog.Logger
}

// NewInstance creates the state directory and workspace for an agent and
// opens its database at <stateDir>/clawnix.db. policies are evaluated in
// order, first match wins.
func NewInstance(name string, ac config.AgentConfig, stateDir string, policies []policy.Rule, logger *slog.Logger) (*Instance, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", name)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if ac.WorkspaceDir != "" {
		if err := os.MkdirAll(ac.WorkspaceDir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
	}

	store, err := state.NewStore(filepath.Join(stateDir, dbFileName), logger)
	if err != nil {
		return nil, fmt.Errorf("open state for agent %s: %w", name, err)
	}

	eb := bus.NewEventBus(logger)
	host := plugin.NewHost(plugin.HostConfig{
		Bus:      eb,
		State:    store,
		Policies: policies,
		Logger:   logger,
	})
	return &Instance{
		Name:         name,
		Description:  ac.Description,
		WorkspaceDir: ac.WorkspaceDir,
		Bus:          eb,
		Store:        store,
		Host:         host,
		logger:       logger,
	}, nil
}

// Close stops the agent, shuts its plugins down and closes the database.
func (inst *Instance) Close(ctx context.Context) error {
	if inst.Agent != nil {
		inst.Agent.Close()
	}
	var errs []error
	if err := inst.Host.ShutdownAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := inst.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close state: %w", err))
	}
	return errors.Join(errs...)
}
