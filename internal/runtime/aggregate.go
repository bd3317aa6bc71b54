package runtime

import (
	"context"
	"errors"
	"sort"

	"clawnix/internal/approval"
	"clawnix/internal/conversation"
	"clawnix/internal/state"
)

// instanceSet answers channel queries across every agent instance.
type instanceSet []*Instance

// Clear drops the conversation of channel/sender in every agent.
func (s instanceSet) Clear(ctx context.Context, channel, sender string) error {
	id := conversation.ID(channel, sender)
	var errs []error
	for _, inst := range s {
		if inst.Conversations == nil {
			continue
		}
		if err := inst.Conversations.Clear(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pending lists undecided approval requests of all agents, oldest first.
func (s instanceSet) Pending(ctx context.Context) ([]approval.Request, error) {
	var out []approval.Request
	for _, inst := range s {
		if inst.Approvals == nil {
			continue
		}
		reqs, err := inst.Approvals.Pending(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Summary merges the usage ledgers of all agents.
func (s instanceSet) Summary(ctx context.Context, days int) (state.UsageSummary, error) {
	sum := state.UsageSummary{ByAgent: make(map[string]state.AgentUsage)}
	for _, inst := range s {
		if inst.Usage == nil {
			continue
		}
		part, err := inst.Usage.Summary(ctx, days)
		if err != nil {
			return state.UsageSummary{}, err
		}
		sum.TotalInputTokens += part.TotalInputTokens
		sum.TotalOutputTokens += part.TotalOutputTokens
		sum.TotalCalls += part.TotalCalls
		for name, u := range part.ByAgent {
			prev := sum.ByAgent[name]
			prev.InputTokens += u.InputTokens
			prev.OutputTokens += u.OutputTokens
			prev.Calls += u.Calls
			sum.ByAgent[name] = prev
		}
	}
	return sum, nil
}
