package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"clawnix/internal/domain"
)

// AuditLog stores delegation records in the shared database.
type AuditLog struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAuditLog(db *sql.DB, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{db: db, logger: logger}
}

func (a *AuditLog) Insert(ctx context.Context, rec domain.DelegationRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO delegation_audit (from_agent, to_agent, task, status, result, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.FromAgent, rec.ToAgent, rec.Task, string(rec.Status), rec.Result, rec.DurationMs,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert delegation audit: %w", err)
	}
	return nil
}

// Record matches the broker's audit sink signature; failures are logged, not returned.
func (a *AuditLog) Record(rec domain.DelegationRecord) {
	if err := a.Insert(context.Background(), rec); err != nil {
		a.logger.Error("delegation audit write failed", "from", rec.FromAgent, "to", rec.ToAgent, "err", err)
	}
}

// Recent returns the latest records, newest first.
func (a *AuditLog) Recent(ctx context.Context, limit int) ([]domain.DelegationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, from_agent, to_agent, task, status, result, duration_ms, timestamp
		 FROM delegation_audit ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent delegations: %w", err)
	}
	defer rows.Close()

	var out []domain.DelegationRecord
	for rows.Next() {
		var r domain.DelegationRecord
		var status, ts string
		if err := rows.Scan(&r.ID, &r.FromAgent, &r.ToAgent, &r.Task, &status, &r.Result, &r.DurationMs, &ts); err != nil {
			return nil, err
		}
		r.Status = domain.DelegationStatus(status)
		r.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
