// Package conversation persists per-conversation turn history and summaries.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"clawnix/internal/domain"
)

const (
	conversationsNamespace = "conversations"
	summariesNamespace     = "summaries"

	DefaultMaxTurns           = 50
	DefaultSummarizeThreshold = 40
	DefaultKeepAfterSummary   = 10

	summaryPrefix = "[Previous conversation summary: %s]"
	summaryAck    = "Understood, I have context from our previous conversation."
)

// ID is the conversation key for a channel/sender pair.
func ID(channel, sender string) string {
	return channel + ":" + sender
}

type Config struct {
	State              domain.StateStore
	MaxTurns           int
	SummarizeThreshold int
	KeepAfterSummary   int
	Logger             *slog.Logger
}

// Manager stores the ordered user/assistant turns of each conversation,
// capped at MaxTurns, plus an optional rolling summary.
type Manager struct {
	state     domain.StateStore
	maxTurns  int
	threshold int
	keep      int
	logger    *slog.Logger

	// mu serializes read-modify-write of a stored turn list.
	mu sync.Mutex
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.SummarizeThreshold <= 0 {
		cfg.SummarizeThreshold = DefaultSummarizeThreshold
	}
	if cfg.KeepAfterSummary <= 0 {
		cfg.KeepAfterSummary = DefaultKeepAfterSummary
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		state:     cfg.State,
		maxTurns:  cfg.MaxTurns,
		threshold: cfg.SummarizeThreshold,
		keep:      cfg.KeepAfterSummary,
		logger:    cfg.Logger,
	}
}

func (m *Manager) AddUserMessage(ctx context.Context, id, text string) error {
	return m.append(ctx, id, domain.Turn{Role: "user", Content: text})
}

func (m *Manager) AddAssistantMessage(ctx context.Context, id, text string) error {
	return m.append(ctx, id, domain.Turn{Role: "assistant", Content: text})
}

// AddExchange stores a user turn and the assistant reply to it in one write.
func (m *Manager) AddExchange(ctx context.Context, id, user, assistant string) error {
	return m.append(ctx, id,
		domain.Turn{Role: "user", Content: user},
		domain.Turn{Role: "assistant", Content: assistant},
	)
}

func (m *Manager) append(ctx context.Context, id string, add ...domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	return m.save(ctx, id, m.capped(append(turns, add...)))
}

func (m *Manager) capped(turns []domain.Turn) []domain.Turn {
	if len(turns) > m.maxTurns {
		return turns[len(turns)-m.maxTurns:]
	}
	return turns
}

// History returns the stored turns without any summary prefix.
func (m *Manager) History(ctx context.Context, id string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, id)
}

// Messages returns the turns to send to the model. When a summary exists and
// the history is non-empty, a synthetic user/assistant pair carrying the
// summary is placed first.
func (m *Manager) Messages(ctx context.Context, id string) ([]domain.Turn, error) {
	turns, err := m.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.withSummary(ctx, id, turns)
}

// Draft returns what Messages would return after a user turn carrying text
// was added, without storing anything.
func (m *Manager) Draft(ctx context.Context, id, text string) ([]domain.Turn, error) {
	turns, err := m.History(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.withSummary(ctx, id, m.capped(append(turns, domain.Turn{Role: "user", Content: text})))
}

func (m *Manager) withSummary(ctx context.Context, id string, turns []domain.Turn) ([]domain.Turn, error) {
	summary, ok, err := m.Summary(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok || summary == "" || len(turns) == 0 {
		return turns, nil
	}
	out := make([]domain.Turn, 0, len(turns)+2)
	out = append(out,
		domain.Turn{Role: "user", Content: fmt.Sprintf(summaryPrefix, summary)},
		domain.Turn{Role: "assistant", Content: summaryAck},
	)
	return append(out, turns...), nil
}

// NeedsSummarization reports whether the stored history reached the threshold.
func (m *Manager) NeedsSummarization(ctx context.Context, id string) (bool, error) {
	turns, err := m.History(ctx, id)
	if err != nil {
		return false, err
	}
	return len(turns) >= m.threshold, nil
}

func (m *Manager) SetSummary(ctx context.Context, id, summary string) error {
	if err := m.state.Set(ctx, summariesNamespace, id, summary); err != nil {
		return fmt.Errorf("save summary %s: %w", id, err)
	}
	return nil
}

func (m *Manager) Summary(ctx context.Context, id string) (string, bool, error) {
	s, ok, err := m.state.Get(ctx, summariesNamespace, id)
	if err != nil {
		return "", false, fmt.Errorf("load summary %s: %w", id, err)
	}
	return s, ok, nil
}

// TrimAfterSummary keeps only the most recent KeepAfterSummary turns.
func (m *Manager) TrimAfterSummary(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	turns, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if len(turns) <= m.keep {
		return nil
	}
	kept := turns[len(turns)-m.keep:]
	m.logger.Debug("trimmed conversation after summary", "conversation", id, "dropped", len(turns)-len(kept))
	return m.save(ctx, id, kept)
}

// Clear drops both the history and the summary of a conversation.
func (m *Manager) Clear(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.state.Delete(ctx, conversationsNamespace, id); err != nil {
		return fmt.Errorf("clear conversation %s: %w", id, err)
	}
	if err := m.state.Delete(ctx, summariesNamespace, id); err != nil {
		return fmt.Errorf("clear summary %s: %w", id, err)
	}
	return nil
}

// KeepAfterSummary is how many turns survive a trim.
func (m *Manager) KeepAfterSummary() int { return m.keep }

func (m *Manager) load(ctx context.Context, id string) ([]domain.Turn, error) {
	var turns []domain.Turn
	if _, err := m.state.GetJSON(ctx, conversationsNamespace, id, &turns); err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return turns, nil
}

func (m *Manager) save(ctx context.Context, id string, turns []domain.Turn) error {
	if err := m.state.SetJSON(ctx, conversationsNamespace, id, turns); err != nil {
		return fmt.Errorf("save conversation %s: %w", id, err)
	}
	return nil
}
