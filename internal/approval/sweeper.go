package approval

import (
	"context"
	"log/slog"
	"time"
)

const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically denies pending requests nobody answered.
type Sweeper struct {
	store    *Store
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

type SweeperConfig struct {
	Store    *Store
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultTimeout
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{store: cfg.Store, maxAge: cfg.MaxAge, interval: cfg.Interval, logger: cfg.Logger}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires stale requests once and returns how many were denied.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.store.ExpireOlderThan(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("approval sweep failed", "err", err)
	}
	if n > 0 {
		s.logger.Info("expired stale approval requests", "count", n)
	}
	return n
}
