package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clawnix/internal/approval"
	"clawnix/internal/domain"
	"clawnix/internal/metrics"
	"clawnix/internal/policy"
)

const (
	defaultMaxIterations = 25
	defaultLLMMaxTokens  = 4096
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0

	deniedOutput = "Tool execution was denied."
)

// ErrMaxIterations is logged when the model keeps requesting tools past the
// iteration bound. The text gathered so far is still returned.
var ErrMaxIterations = errors.New("tool-use loop exceeded max iterations")

// Result is the outcome of one tool-use loop run.
type Result struct {
	Text        string
	ToolResults []domain.ToolResult
	Usage       domain.Usage
}

// Loop drives a model through alternating tool requests and tool results
// until it produces a final answer.
type Loop struct {
	provider      domain.Provider
	model         string
	maxTokens     int
	maxIterations int
	rateLimiter   *RateLimiter
	logger        *slog.Logger
}

// LoopConfig holds the dependencies and tuning parameters for a Loop.
type LoopConfig struct {
	Provider      domain.Provider
	Model         string
	MaxTokens     int
	MaxIterations int
	RateLimiter   *RateLimiter // optional; a default bucket is used when nil
	Logger        *slog.Logger
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.RateLimiter == nil {
		cfg.RateLimiter = NewRateLimiter(defaultRateBurst, defaultRatePerMinute)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		provider:      cfg.Provider,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		maxIterations: cfg.MaxIterations,
		rateLimiter:   cfg.RateLimiter,
		logger:        cfg.Logger,
	}
}

// Model reports the model name requests are sent with.
func (l *Loop) Model() string { return l.model }

// Run sends history to the model and keeps executing requested tools until
// the model stops for a reason other than tool use. history is not modified.
// A nil gate lets every tool run.
func (l *Loop) Run(ctx context.Context, history []domain.Turn, tools []domain.Tool, system string, gate approval.GateFunc) (Result, error) {
	turns := make([]domain.Turn, len(history), len(history)+2*l.maxIterations)
	copy(turns, history)

	defs := make([]domain.ToolDefinition, 0, len(tools))
	byName := make(map[string]domain.Tool, len(tools))
	for _, t := range tools {
		defs = append(defs, domain.Definition(t))
		byName[t.Name()] = t
	}

	var res Result
	for iteration := 0; iteration < l.maxIterations; iteration++ {
		l.logger.Debug("loop iteration", "iteration", iteration+1, "turns", len(turns))

		if err := l.rateLimiter.Wait(ctx); err != nil {
			return res, fmt.Errorf("rate limit: %w", err)
		}

		resp, err := l.chat(ctx, domain.ChatRequest{
			System:    system,
			Turns:     turns,
			Tools:     defs,
			Model:     l.model,
			MaxTokens: l.maxTokens,
		})
		if err != nil {
			return res, err
		}
		res.Usage.Add(resp.Usage)
		res.Text = resp.Content

		if resp.StopReason != domain.StopToolUse || !resp.HasToolCalls() {
			return res, nil
		}

		turns = append(turns, domain.Turn{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		outputs := make([]domain.ToolOutput, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			out, isErr := l.runCall(ctx, byName, call, gate)
			outputs = append(outputs, domain.ToolOutput{CallID: call.ID, Content: out, IsError: isErr})
			res.ToolResults = append(res.ToolResults, domain.ToolResult{
				Tool:   call.Name,
				Input:  call.Arguments,
				Output: out,
			})
		}
		turns = append(turns, domain.Turn{Role: "user", ToolOutputs: outputs})
	}

	l.logger.Warn("stopping tool-use loop", "error", ErrMaxIterations, "max", l.maxIterations)
	return res, nil
}

func (l *Loop) chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	metrics.LLMRequestsTotal.Inc()
	start := time.Now()
	resp, err := l.provider.Chat(ctx, req)
	metrics.LLMLatency.ObserveSince(start)
	if err != nil {
		metrics.LLMErrorsTotal.Inc()
		return nil, fmt.Errorf("LLM error: %w", err)
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// runCall resolves, gates, and executes one tool call. The returned text is
// what the model sees; isErr marks outputs that describe a failure.
func (l *Loop) runCall(ctx context.Context, byName map[string]domain.Tool, call domain.ToolCall, gate approval.GateFunc) (string, bool) {
	t, ok := byName[call.Name]
	if !ok {
		l.logger.Warn("model requested unknown tool", "tool", call.Name)
		return fmt.Sprintf("Error: Unknown tool %q", call.Name), true
	}

	if gate != nil && gate(ctx, call.Name, call.Arguments) == policy.Deny {
		l.logger.Info("tool call denied", "tool", call.Name)
		return deniedOutput, true
	}

	out, err := l.execute(ctx, t, call)
	if err != nil {
		return "Error: " + err.Error(), true
	}
	return out, false
}

func (l *Loop) execute(ctx context.Context, t domain.Tool, call domain.ToolCall) (out string, err error) {
	l.logger.Info("executing tool", "tool", call.Name)
	if l.logger.Enabled(ctx, slog.LevelDebug) {
		if argsJSON, jerr := json.Marshal(call.Arguments); jerr == nil {
			l.logger.Debug("tool arguments", "tool", call.Name, "args", string(argsJSON))
		}
	}

	metrics.ToolExecutions.Inc()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
		metrics.ToolLatency.ObserveSince(start)
		if err != nil {
			metrics.ToolErrors.Inc()
		}
	}()

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	out, err = t.Execute(ctx, args)
	if err == nil {
		l.logger.Debug("tool completed", "tool", call.Name, "result_len", len(out))
	}
	return out, err
}
