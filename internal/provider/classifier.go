package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"clawnix/internal/domain"
)

const (
	DefaultClassifierModel = "claude-haiku-4-5-20251001"
	classifierMaxTokens    = 50
)

// Classifier asks a small model which agent should handle a message.
// It satisfies agent.Classifier.
type Classifier struct {
	provider domain.Provider
	model    string
	logger   *slog.Logger
}

func NewClassifier(p domain.Provider, model string, logger *slog.Logger) *Classifier {
	if model == "" {
		model = DefaultClassifierModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{provider: p, model: model, logger: logger}
}

// Classify sends prompt as the system instruction and message as the only
// user turn, returning the model's trimmed reply.
func (c *Classifier) Classify(ctx context.Context, prompt, message string) (string, error) {
	resp, err := c.provider.Chat(ctx, domain.ChatRequest{
		System:    prompt,
		Turns:     []domain.Turn{{Role: "user", Content: message}},
		Model:     c.model,
		MaxTokens: classifierMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("classifier: %w", err)
	}
	answer := strings.TrimSpace(resp.Content)
	c.logger.Debug("classified message", "model", c.model, "answer", answer)
	return answer, nil
}
