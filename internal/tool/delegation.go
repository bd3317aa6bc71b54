package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"clawnix/internal/domain"
	"clawnix/internal/plugin"
)

// DelegationPlugin lets an agent hand sub-tasks to its peers through the broker.
type DelegationPlugin struct {
	agentName string
	delegator domain.Delegator
}

func NewDelegationPlugin(agentName string, d domain.Delegator) *DelegationPlugin {
	return &DelegationPlugin{agentName: agentName, delegator: d}
}

func (p *DelegationPlugin) Name() string    { return "delegation" }
func (p *DelegationPlugin) Version() string { return "0.1.0" }

func (p *DelegationPlugin) Init(_ context.Context, pc *plugin.Context) error {
	if p.delegator == nil {
		return errors.New("delegation requires a broker")
	}

	err := pc.RegisterTool(&Func{
		ToolName: "clawnix_delegate",
		Desc: "Delegate a task to another agent. The target agent processes the task and returns a result. " +
			"Use clawnix_list_agents to see available agents.",
		Schema: ToolParameters(map[string]Param{
			"targetAgent": {Type: "string", Description: "Name of the agent to delegate to"},
			"task":        {Type: "string", Description: "Description of the task to delegate"},
			"context":     {Type: "string", Description: "Additional context for the target agent"},
		}, []string{"targetAgent", "task"}),
		Run: p.delegate,
	})
	if err != nil {
		return err
	}

	err = pc.RegisterTool(&Func{
		ToolName: "clawnix_list_agents",
		Desc:     "List all available agents that can receive delegated tasks",
		Run: func(context.Context, map[string]any) (string, error) {
			agents := p.delegator.ListAgents()
			if len(agents) == 0 {
				return "No other agents registered.", nil
			}
			return "Available agents: " + strings.Join(agents, ", "), nil
		},
	})
	if err != nil {
		return err
	}

	pc.Logger.Info("delegation plugin registered", "agent", p.agentName)
	return nil
}

func (p *DelegationPlugin) delegate(ctx context.Context, args map[string]any) (string, error) {
	req := domain.DelegationRequest{
		From:    p.agentName,
		To:      ArgsString(args, "targetAgent"),
		Task:    ArgsString(args, "task"),
		Context: ArgsString(args, "context"),
	}
	if req.To == "" || req.Task == "" {
		return "", fmt.Errorf("targetAgent and task are required")
	}
	resp := p.delegator.Delegate(ctx, req)
	data, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("encode delegation response: %w", err)
	}
	return string(data), nil
}

func (p *DelegationPlugin) Shutdown(context.Context) error { return nil }
