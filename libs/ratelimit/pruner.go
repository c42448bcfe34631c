package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Pruner periodically deletes rate-limit rows that fell out of the window.
type Pruner struct {
	store    Store
	logger   *slog.Logger
	window   time.Duration
	interval time.Duration
}

func NewPruner(store Store, logger *slog.Logger, window, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Pruner{store: store, logger: logger, window: window, interval: interval}
}

func (p *Pruner) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := p.store.DeleteBefore(ctx, time.Now().Add(-p.window))
			if err != nil {
				p.logger.Error("rate limit prune failed", "err", err)
				continue
			}
			if deleted > 0 {
				p.logger.Debug("pruned rate limit rows", "deleted", deleted)
			}
		}
	}
}
