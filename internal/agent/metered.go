package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clawnix/internal/domain"
	"clawnix/internal/metrics"
)

// MeteredProvider wraps a provider for model calls made outside the tool-use
// loop, such as summaries. Each call waits on the shared rate limiter, feeds
// the LLM metrics and lands in the usage ledger under the agent's name.
type MeteredProvider struct {
	provider    domain.Provider
	rateLimiter *RateLimiter
	usage       UsageRecorder
	agent       string
	logger      *slog.Logger
}

type MeteredConfig struct {
	Provider    domain.Provider
	RateLimiter *RateLimiter // optional
	Usage       UsageRecorder
	Agent       string
	Logger      *slog.Logger
}

func NewMeteredProvider(cfg MeteredConfig) *MeteredProvider {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MeteredProvider{
		provider:    cfg.Provider,
		rateLimiter: cfg.RateLimiter,
		usage:       cfg.Usage,
		agent:       cfg.Agent,
		logger:      cfg.Logger,
	}
}

func (m *MeteredProvider) Name() string { return m.provider.Name() }

func (m *MeteredProvider) Healthy(ctx context.Context) error { return m.provider.Healthy(ctx) }

func (m *MeteredProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if m.rateLimiter != nil {
		if err := m.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	metrics.LLMRequestsTotal.Inc()
	start := time.Now()
	resp, err := m.provider.Chat(ctx, req)
	metrics.LLMLatency.ObserveSince(start)
	if err != nil {
		metrics.LLMErrorsTotal.Inc()
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()

	if m.usage != nil && (resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0) {
		model := resp.Model
		if model == "" {
			model = req.Model
		}
		if err := m.usage.Record(context.WithoutCancel(ctx), m.agent, model, resp.Usage.InputTokens, resp.Usage.OutputTokens); err != nil {
			m.logger.Warn("failed to record usage", "error", err)
		}
	}
	return resp, nil
}
