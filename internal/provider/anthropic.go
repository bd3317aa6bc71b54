package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"clawnix/internal/domain"
)

const (
	anthropicDefaultModel = "claude-sonnet-4-5-20250929"
	defaultMaxTokens      = 4096
)

// Anthropic implements domain.Provider on the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	apiKey string
	model  string
	logger *slog.Logger
}

type AnthropicConfig struct {
	APIKey     string
	APIBase    string // optional; overrides the public endpoint
	Model      string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
	}
	if cfg.APIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.APIBase))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		apiKey: cfg.APIKey,
		model:  cfg.Model,
		logger: cfg.Logger.With("provider", "anthropic"),
	}
}

func (a *Anthropic) Name() string { return "anthropic" }

func (a *Anthropic) Healthy(ctx context.Context) error {
	if a.apiKey == "" {
		return errors.New("anthropic: no API key configured")
	}
	return nil
}

func (a *Anthropic) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toAnthropicMessages(req.Turns),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, def := range req.Tools {
		params.Tools = append(params.Tools, toAnthropicTool(def))
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	out := &domain.ChatResponse{
		Model: string(msg.Model),
		Usage: domain.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	var text []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					a.logger.Warn("tool input is not a JSON object", "tool", b.Name, "error", err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}
	out.Content = strings.Join(text, "\n")

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		out.StopReason = domain.StopToolUse
	case anthropic.StopReasonMaxTokens:
		out.StopReason = domain.StopMaxTokens
	default:
		out.StopReason = domain.StopEndTurn
	}
	return out, nil
}

// toAnthropicMessages maps turns onto content blocks. Tool outputs become
// tool_result blocks in the user turn that carries them; empty text is
// omitted since the API rejects empty text blocks.
func toAnthropicMessages(turns []domain.Turn) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		var blocks []anthropic.ContentBlockParamUnion
		if t.Role == "assistant" {
			if t.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			}
			for _, tc := range t.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
			}
			continue
		}

		for _, out := range t.ToolOutputs {
			blocks = append(blocks, anthropic.NewToolResultBlock(out.CallID, out.Content, out.IsError))
		}
		if t.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(t.Content))
		}
		if len(blocks) > 0 {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}
	return msgs
}

func toAnthropicTool(def domain.ToolDefinition) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	if props, ok := def.Parameters["properties"]; ok && props != nil {
		schema.Properties = props
	}
	switch req := def.Parameters["required"].(type) {
	case []string:
		schema.Required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	return anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
		Name:        def.Name,
		Description: anthropic.String(def.Description),
		InputSchema: schema,
	}}
}
