package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"clawnix/internal/domain"
)

const (
	defaultSummaryMaxTokens = 512

	summarizerPrompt = `You are a conversation summarizer. Summarize the following conversation
concisely, preserving key facts, decisions, tool results, and user preferences.
Keep the summary under 200 words. Focus on information that would be
needed to continue the conversation naturally.`
)

// Summarizer folds older turns into the conversation summary using the model.
type Summarizer struct {
	provider  domain.Provider
	model     string
	maxTokens int
	logger    *slog.Logger
}

type SummarizerConfig struct {
	Provider  domain.Provider
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

func NewSummarizer(cfg SummarizerConfig) *Summarizer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultSummaryMaxTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Summarizer{
		provider:  cfg.Provider,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}
}

// Summarize produces a new summary covering previous plus turns.
func (s *Summarizer) Summarize(ctx context.Context, previous string, turns []domain.Turn) (string, error) {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Earlier summary: ")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	for _, t := range turns {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}

	resp, err := s.provider.Chat(ctx, domain.ChatRequest{
		System:    summarizerPrompt,
		Turns:     []domain.Turn{{Role: "user", Content: "Summarize this conversation:\n\n" + sb.String()}},
		Model:     s.model,
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// Compact summarizes and trims conversation id when it has reached the
// manager's threshold. It reports whether a compaction happened.
func (s *Summarizer) Compact(ctx context.Context, m *Manager, id string) (bool, error) {
	needed, err := m.NeedsSummarization(ctx, id)
	if err != nil || !needed {
		return false, err
	}
	turns, err := m.History(ctx, id)
	if err != nil {
		return false, err
	}
	previous, _, err := m.Summary(ctx, id)
	if err != nil {
		return false, err
	}

	older := turns
	if keep := m.KeepAfterSummary(); len(turns) > keep {
		older = turns[:len(turns)-keep]
	}
	summary, err := s.Summarize(ctx, previous, older)
	if err != nil {
		return false, err
	}
	if summary == "" {
		s.logger.Warn("empty summary, keeping full history", "conversation", id)
		return false, nil
	}
	if err := m.SetSummary(ctx, id, summary); err != nil {
		return false, err
	}
	if err := m.TrimAfterSummary(ctx, id); err != nil {
		return false, err
	}
	s.logger.Info("conversation compacted", "conversation", id, "summarized_turns", len(older))
	return true, nil
}
