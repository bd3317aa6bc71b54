package agent

import (
	"context"
	"errors"
	"testing"

	"clawnix/internal/domain"
	"clawnix/internal/metrics"
)

func TestMeteredProvider_RecordsUsageAndMetrics(t *testing.T) {
	p := &scriptedProvider{responses: []*domain.ChatResponse{{Content: "summary", Usage: domain.Usage{InputTokens: 40, OutputTokens: 8}}}}
	usage := &usageSink{}
	m := NewMeteredProvider(MeteredConfig{Provider: p, RateLimiter: fastLimiter(), Usage: usage, Agent: "personal", Logger: testLogger()})

	before := metrics.LLMRequestsTotal.Value()
	resp, err := m.Chat(context.Background(), domain.ChatRequest{Model: "claude-x"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "summary" {
		t.Fatalf("content = %q", resp.Content)
	}
	if metrics.LLMRequestsTotal.Value() <= before {
		t.Fatal("request counter did not move")
	}
	if len(usage.calls) != 1 || usage.calls[0] != (usageCall{"personal", "claude-x", 40, 8}) {
		t.Fatalf("usage = %+v", usage.calls)
	}
}

func TestMeteredProvider_CountsErrors(t *testing.T) {
	p := &scriptedProvider{err: errors.New("down")}
	usage := &usageSink{}
	m := NewMeteredProvider(MeteredConfig{Provider: p, Usage: usage, Agent: "personal", Logger: testLogger()})

	before := metrics.LLMErrorsTotal.Value()
	if _, err := m.Chat(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if metrics.LLMErrorsTotal.Value() <= before {
		t.Fatal("error counter did not move")
	}
	if len(usage.calls) != 0 {
		t.Fatalf("usage = %+v", usage.calls)
	}
}

func TestMeteredProvider_SharesRateLimiter(t *testing.T) {
	p := &scriptedProvider{responses: []*domain.ChatResponse{{Content: "ok"}}}
	rl := NewRateLimiter(1, 1.0)
	m := NewMeteredProvider(MeteredConfig{Provider: p, RateLimiter: rl, Logger: testLogger()})

	if err := rl.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Chat(ctx, domain.ChatRequest{}); err == nil {
		t.Fatal("expected the drained bucket to block")
	}
	if len(p.calls()) != 0 {
		t.Fatal("provider called past the rate limiter")
	}
}
