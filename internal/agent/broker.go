package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"clawnix/internal/domain"
	"clawnix/internal/metrics"
)

const (
	DefaultMaxDelegationDepth = 3
	maxAuditResultChars       = 10000
)

// DelegationHandler runs a delegated task on the target agent and returns
// its textual result. ctx carries the chain depth for nested delegations.
type DelegationHandler func(ctx context.Context, req domain.DelegationRequest) (string, error)

// AuditRecorder receives one record per delegation attempt.
// *state.AuditLog satisfies it.
type AuditRecorder interface {
	Record(rec domain.DelegationRecord)
}

type depthKey struct{}

// WithDelegationDepth returns a context recording that depth delegation hops
// led to the work running under it.
func WithDelegationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DelegationDepth reports the hops recorded in ctx, zero when none.
func DelegationDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Broker routes delegation requests between named agents.
type Broker struct {
	mu       sync.RWMutex
	agents   map[string]DelegationHandler
	maxDepth int
	audit    AuditRecorder
	logger   *slog.Logger
	now      func() time.Time
}

type BrokerConfig struct {
	MaxDepth int
	Audit    AuditRecorder // optional
	Logger   *slog.Logger
}

func NewBroker(cfg BrokerConfig) *Broker {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDelegationDepth
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Broker{
		agents:   make(map[string]DelegationHandler),
		maxDepth: cfg.MaxDepth,
		audit:    cfg.Audit,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// RegisterAgent makes name a delegation target, replacing any earlier handler.
func (b *Broker) RegisterAgent(name string, h DelegationHandler) {
	b.mu.Lock()
	b.agents[name] = h
	b.mu.Unlock()
}

// ListAgents returns the registered agent names in sorted order.
func (b *Broker) ListAgents() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.agents))
	for name := range b.agents {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// MaxDepth is the longest delegation chain, counted in agents, the broker allows.
func (b *Broker) MaxDepth() int { return b.maxDepth }

// Delegate hands req to its target agent. Failures never surface as Go
// errors; they come back as a response with status error.
//
// The chain depth is the larger of req.Depth and the depth carried by ctx.
// The delegating agent is the first link of a chain, so a request at depth
// d would make the chain d+2 agents long and is refused once that exceeds
// the configured maximum.
func (b *Broker) Delegate(ctx context.Context, req domain.DelegationRequest) domain.DelegationResponse {
	metrics.DelegationsTotal.Inc()
	depth := max(req.Depth, DelegationDepth(ctx))

	if depth+1 >= b.maxDepth {
		result := fmt.Sprintf("Delegation depth limit (%d) reached. Cannot delegate from %q to %q.", b.maxDepth, req.From, req.To)
		b.logger.Warn("delegation blocked", "from", req.From, "to", req.To, "depth", depth)
		return b.fail(req, result, 0)
	}

	b.mu.RLock()
	handler, ok := b.agents[req.To]
	b.mu.RUnlock()
	if !ok {
		result := fmt.Sprintf("Agent %q not found. Available: %s", req.To, strings.Join(b.ListAgents(), ", "))
		return b.fail(req, result, 0)
	}

	next := req
	next.Depth = depth + 1
	start := b.now()
	out, err := b.invoke(WithDelegationDepth(ctx, depth+1), handler, next)
	elapsed := b.now().Sub(start)
	if err != nil {
		b.logger.Warn("delegation failed", "from", req.From, "to", req.To, "error", err)
		return b.fail(req, fmt.Sprintf("Delegation to %q failed: %s", req.To, err.Error()), elapsed)
	}

	b.logger.Info("delegation completed", "from", req.From, "to", req.To, "depth", next.Depth, "duration", elapsed)
	b.record(req, domain.DelegationCompleted, out, elapsed)
	return domain.DelegationResponse{From: req.To, To: req.From, Status: domain.DelegationCompleted, Result: out}
}

func (b *Broker) invoke(ctx context.Context, h DelegationHandler, req domain.DelegationRequest) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, req)
}

func (b *Broker) fail(req domain.DelegationRequest, result string, elapsed time.Duration) domain.DelegationResponse {
	metrics.DelegationsFailed.Inc()
	b.record(req, domain.DelegationError, result, elapsed)
	return domain.DelegationResponse{From: req.To, To: req.From, Status: domain.DelegationError, Result: result}
}

func (b *Broker) record(req domain.DelegationRequest, status domain.DelegationStatus, result string, elapsed time.Duration) {
	if b.audit == nil {
		return
	}
	if r := []rune(result); len(r) > maxAuditResultChars {
		result = string(r[:maxAuditResultChars])
	}
	b.audit.Record(domain.DelegationRecord{
		FromAgent:  req.From,
		ToAgent:    req.To,
		Task:       req.Task,
		Status:     status,
		Result:     result,
		Timestamp:  b.now().UTC(),
		DurationMs: elapsed.Milliseconds(),
	})
}
