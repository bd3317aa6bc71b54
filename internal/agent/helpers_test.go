package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"clawnix/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastLimiter() *RateLimiter { return NewRateLimiter(1000, 60000) }

// scriptedProvider replays responses in order and repeats the last one once
// the script runs out. Requests are recorded with their turns copied.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	err       error
	requests  []domain.ChatRequest
}

func (p *scriptedProvider) Name() string                      { return "scripted" }
func (p *scriptedProvider) Healthy(ctx context.Context) error { return nil }

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Turns = append([]domain.Turn(nil), req.Turns...)
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := *p.responses[0]
	if len(p.responses) > 1 {
		p.responses = p.responses[1:]
	}
	return &resp, nil
}

func (p *scriptedProvider) calls() []domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRequest(nil), p.requests...)
}

func final(text string, in, out int) *domain.ChatResponse {
	return &domain.ChatResponse{
		Content:    text,
		StopReason: domain.StopEndTurn,
		Usage:      domain.Usage{InputTokens: in, OutputTokens: out},
	}
}

func toolUse(text string, calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{
		Content:    text,
		ToolCalls:  calls,
		StopReason: domain.StopToolUse,
		Usage:      domain.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

// stubTool records its invocations.
type stubTool struct {
	name  string
	out   string
	err   error
	panic bool

	mu    sync.Mutex
	calls []map[string]any
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub " + s.name }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (s *stubTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	s.mu.Unlock()
	if s.panic {
		panic("tool blew up")
	}
	return s.out, s.err
}

func (s *stubTool) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
