package service

import (
	"context"
	"log/slog"
	"time"
)

// SessionSweeper periodically removes expired sessions. A zero interval
// disables it; expiry then only happens lazily.
type SessionSweeper struct {
	store    SessionStore
	interval time.Duration
	logger   *slog.Logger
}

func NewSessionSweeper(store SessionStore, interval time.Duration, logger *slog.Logger) *SessionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionSweeper{store: store, interval: interval, logger: logger}
}

func (w *SessionSweeper) Run(ctx context.Context) error {
	if w == nil || w.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	w.logger.Info("session sweeper started", "interval", w.interval.String())
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("session sweeper stopped")
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *SessionSweeper) sweep(ctx context.Context) {
	removed, err := w.store.ExpireAllStale(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("session sweep failed", "error", err)
		}
		return
	}
	if removed > 0 {
		w.logger.Info("expired sessions removed", "count", removed)
	}
}
