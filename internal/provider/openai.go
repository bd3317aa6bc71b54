package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"clawnix/internal/domain"
)

const (
	openAIDefaultBase  = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4o-mini"
	ollamaDefaultBase  = "http://localhost:11434/v1"
	ollamaDefaultModel = "llama3.1"
)

// OpenAI implements domain.Provider for OpenAI-compatible chat completion
// APIs. Ollama is served through its /v1 compatibility endpoint.
type OpenAI struct {
	name    string
	apiKey  string
	apiBase string
	model   string
	// parseContent recovers tool calls written into plain content.
	parseContent bool
	client       *http.Client
	logger       *slog.Logger
}

type OpenAIConfig struct {
	Name         string // reported by Name; defaults to "openai"
	APIKey       string
	APIBase      string
	Model        string
	ParseContent bool
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = openAIDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAI{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		apiBase:      cfg.APIBase,
		model:        cfg.Model,
		parseContent: cfg.ParseContent,
		client:       cfg.HTTPClient,
		logger:       cfg.Logger.With("provider", cfg.Name),
	}
}

// NewOllama returns an OpenAI-compatible provider pointed at a local Ollama
// daemon, with tool calls recovered from content.
func NewOllama(apiBase, model string, logger *slog.Logger) *OpenAI {
	if apiBase == "" {
		apiBase = ollamaDefaultBase
	}
	if model == "" {
		model = ollamaDefaultModel
	}
	return NewOpenAI(OpenAIConfig{
		Name:         "ollama",
		APIBase:      apiBase,
		Model:        model,
		ParseContent: true,
		Logger:       logger,
	})
}

func (o *OpenAI) Name() string { return o.name }

func (o *OpenAI) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	o.authorize(req)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s not reachable: %w", o.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: invalid API key", o.name)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", o.name, resp.StatusCode)
	}
	return nil
}

func (o *OpenAI) authorize(req *http.Request) {
	if o.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+o.apiKey)
	}
}

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	Tools     []oaiTool    `json:"tools,omitempty"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Stream    bool         `json:"stream"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaiToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function oaiToolCallFn `json:"function"`
}

type oaiToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiResponse struct {
	Model   string      `json:"model"`
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// toOpenAIMessages flattens turns into chat messages. Tool outputs become
// one "tool" role message each.
func toOpenAIMessages(system string, turns []domain.Turn) []oaiMessage {
	msgs := make([]oaiMessage, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: system})
	}
	for _, t := range turns {
		for _, out := range t.ToolOutputs {
			msgs = append(msgs, oaiMessage{Role: "tool", Content: out.Content, ToolCallID: out.CallID})
		}
		if len(t.ToolOutputs) > 0 && t.Content == "" {
			continue
		}
		m := oaiMessage{Role: t.Role, Content: t.Content}
		for _, tc := range t.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			m.ToolCalls = append(m.ToolCalls, oaiToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: oaiToolCallFn{Name: tc.Name, Arguments: string(args)},
			})
		}
		msgs = append(msgs, m)
	}
	return msgs
}

func (o *OpenAI) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	body := oaiRequest{
		Model:     model,
		Messages:  toOpenAIMessages(req.System, req.Turns),
		MaxTokens: req.MaxTokens,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaiTool{
			Type:     "function",
			Function: oaiFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		o.authorize(httpReq)
		return httpReq, nil
	}, o.logger)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", o.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s %d: %s", o.name, resp.StatusCode, string(respBody))
	}

	var oaiResp oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaiResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(oaiResp.Choices) == 0 {
		return &domain.ChatResponse{StopReason: domain.StopEndTurn, Model: oaiResp.Model}, nil
	}

	choice := oaiResp.Choices[0]
	out := &domain.ChatResponse{
		Content:    choice.Message.Content,
		StopReason: stopReasonFromFinish(choice.FinishReason),
		Model:      oaiResp.Model,
		Usage: domain.Usage{
			InputTokens:  oaiResp.Usage.PromptTokens,
			OutputTokens: oaiResp.Usage.CompletionTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			o.logger.Warn("tool call arguments are not valid JSON", "tool", tc.Function.Name, "error", err)
		}
		if args == nil {
			args = make(map[string]any)
		}
		out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}

	if o.parseContent {
		out.Content = stripRolePrefix(out.Content)
		if len(out.ToolCalls) == 0 && len(req.Tools) > 0 {
			if calls := parseContentToolCalls(out.Content, req.Tools); len(calls) > 0 {
				o.logger.Debug("recovered tool calls from content", "count", len(calls))
				out.ToolCalls = calls
				out.Content = ""
			}
		}
	}
	if len(out.ToolCalls) > 0 {
		out.StopReason = domain.StopToolUse
	}
	return out, nil
}

func stopReasonFromFinish(reason string) domain.StopReason {
	switch reason {
	case "tool_calls", "function_call":
		return domain.StopToolUse
	case "length":
		return domain.StopMaxTokens
	default:
		return domain.StopEndTurn
	}
}
