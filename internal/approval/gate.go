package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"clawnix/internal/bus"
	"clawnix/internal/domain"
	"clawnix/internal/metrics"
	"clawnix/internal/policy"
)

const DefaultTimeout = 300 * time.Second

// Evaluator resolves the policy effect of one invocation.
type Evaluator interface {
	Effect(tool, channel, user string) policy.Effect
}

// GateFunc is a gate bound to one channel/user pair.
type GateFunc func(ctx context.Context, tool string, input map[string]any) policy.Effect

// Gate turns approve-effect tool calls into a published approval request and
// waits for a human decision or the timeout.
type Gate struct {
	bus       *bus.EventBus
	store     *Store
	evaluator Evaluator
	timeout   time.Duration
	logger    *slog.Logger
}

type GateConfig struct {
	Bus       *bus.EventBus
	Store     *Store
	Evaluator Evaluator
	Timeout   time.Duration
	Logger    *slog.Logger
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		bus:       cfg.Bus,
		store:     cfg.Store,
		evaluator: cfg.Evaluator,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

// For binds the gate to the sender of one message.
func (g *Gate) For(channel, user string) GateFunc {
	return func(ctx context.Context, tool string, input map[string]any) policy.Effect {
		return g.Check(ctx, tool, input, channel, user)
	}
}

// Check returns Allow or Deny. Approve effects block until decided.
func (g *Gate) Check(ctx context.Context, tool string, input map[string]any, channel, user string) policy.Effect {
	effect := g.evaluator.Effect(tool, channel, user)
	if effect != policy.Approve {
		return effect
	}
	return g.Request(ctx, tool, input, channel, user)
}

// Request asks a human about one call whose effect is already known to be
// approve, and returns Allow or Deny once decided or timed out.
func (g *Gate) Request(ctx context.Context, tool string, input map[string]any, channel, user string) policy.Effect {
	encoded, err := json.Marshal(input)
	if err != nil {
		encoded = []byte("{}")
	}
	req, err := g.store.Create(ctx, Request{
		Tool:      tool,
		Input:     string(encoded),
		Session:   channel + ":" + user,
		Requester: user,
	})
	if err != nil {
		g.logger.Error("failed to record approval request, denying", "tool", tool, "err", err)
		return policy.Deny
	}
	metrics.ApprovalsRequested.Inc()
	g.logger.Info("approval requested", "id", req.ID, "tool", tool, "requester", user)

	decision, outcome := Race(ctx, g.timeout, func(fire func(Decision)) func() {
		unsubscribe := g.bus.Subscribe(bus.ApprovalDecide, func(e bus.Event) {
			if d, ok := decisionPayload(e.Payload); ok && d.ID == req.ID {
				g.record(ctx, req.ID, Decision(d.Decision), d.By)
				fire(Decision(d.Decision))
			}
		})
		// Published after subscribing so a synchronous reply is not missed.
		g.bus.Publish(bus.ApprovalRequest, domain.ApprovalRequest{
			ID:        req.ID,
			Tool:      req.Tool,
			Input:     req.Input,
			Session:   req.Session,
			Requester: req.Requester,
		})
		return unsubscribe
	})

	if outcome != Decided {
		metrics.ApprovalTimeouts.Inc()
		g.logger.Warn("approval not decided, denying", "id", req.ID, "tool", tool, "outcome", outcome.String())
		g.record(context.WithoutCancel(ctx), req.ID, Deny, "")
		return policy.Deny
	}

	// The stored record is authoritative: a sweep may have denied it first.
	final, err := g.store.Get(ctx, req.ID)
	if err == nil && final.Status == StatusAllowed {
		g.logger.Info("approval granted", "id", req.ID, "by", final.DecidedBy)
		return policy.Allow
	}
	if err != nil && decision == Allow {
		return policy.Allow
	}
	metrics.ApprovalsDenied.Inc()
	g.logger.Info("approval denied", "id", req.ID)
	return policy.Deny
}

func (g *Gate) record(ctx context.Context, id string, d Decision, by string) {
	if d != Allow {
		d = Deny
	}
	if _, _, err := g.store.Decide(ctx, id, d, by); err != nil {
		g.logger.Error("failed to record approval decision", "id", id, "err", err)
	}
}

func decisionPayload(p any) (domain.ApprovalDecision, bool) {
	switch d := p.(type) {
	case domain.ApprovalDecision:
		return d, true
	case *domain.ApprovalDecision:
		if d != nil {
			return *d, true
		}
	}
	return domain.ApprovalDecision{}, false
}
