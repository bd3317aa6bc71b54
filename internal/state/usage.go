package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UsageRecord is one model call's token counts.
type UsageRecord struct {
	ID           int64     `json:"id"`
	Agent        string    `json:"agent"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Timestamp    time.Time `json:"timestamp"`
}

type AgentUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	Calls        int `json:"calls"`
}

type UsageSummary struct {
	TotalInputTokens  int                   `json:"totalInputTokens"`
	TotalOutputTokens int                   `json:"totalOutputTokens"`
	TotalCalls        int                   `json:"totalCalls"`
	ByAgent           map[string]AgentUsage `json:"byAgent"`
}

// UsageTracker is the token usage ledger.
type UsageTracker struct {
	db  *sql.DB
	now func() time.Time
}

func NewUsageTracker(db *sql.DB) *UsageTracker {
	return &UsageTracker{db: db, now: time.Now}
}

func (u *UsageTracker) Record(ctx context.Context, agent, model string, inputTokens, outputTokens int) error {
	_, err := u.db.ExecContext(ctx,
		`INSERT INTO usage (agent, model, input_tokens, output_tokens, timestamp) VALUES (?, ?, ?, ?, ?)`,
		agent, model, inputTokens, outputTokens, u.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Summary aggregates usage over the last days days (30 when days <= 0).
func (u *UsageTracker) Summary(ctx context.Context, days int) (UsageSummary, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := u.now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	rows, err := u.db.QueryContext(ctx,
		`SELECT agent, SUM(input_tokens), SUM(output_tokens), COUNT(*)
		 FROM usage WHERE timestamp >= ?
		 GROUP BY agent`, cutoff,
	)
	if err != nil {
		return UsageSummary{}, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	sum := UsageSummary{ByAgent: make(map[string]AgentUsage)}
	for rows.Next() {
		var agent string
		var a AgentUsage
		if err := rows.Scan(&agent, &a.InputTokens, &a.OutputTokens, &a.Calls); err != nil {
			return UsageSummary{}, err
		}
		sum.TotalInputTokens += a.InputTokens
		sum.TotalOutputTokens += a.OutputTokens
		sum.TotalCalls += a.Calls
		sum.ByAgent[agent] = a
	}
	return sum, rows.Err()
}

// Recent returns the latest records, newest first.
func (u *UsageTracker) Recent(ctx context.Context, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := u.db.QueryContext(ctx,
		`SELECT id, agent, model, input_tokens, output_tokens, timestamp
		 FROM usage ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent usage: %w", err)
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var ts string
		if err := rows.Scan(&r.ID, &r.Agent, &r.Model, &r.InputTokens, &r.OutputTokens, &ts); err != nil {
			return nil, err
		}
		r.Timestamp, _ = time.Parse(timeLayout, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
