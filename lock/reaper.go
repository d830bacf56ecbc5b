package lock

import (
	"context"
	"log/slog"
	"time"
)

// Reaper periodically expires overdue locks. Run blocks until the context is
// cancelled; the coordinator starts one per process.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper creates a Reaper. A non-positive interval defaults to 10s; a nil
// logger defaults to slog.Default.
func NewReaper(manager *Manager, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{manager: manager, interval: interval, logger: logger}
}

// Run sweeps expired locks on each tick until ctx is cancelled. Sweep errors
// are logged and do not stop the loop.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.manager.ReleaseExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("lock reaper sweep failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("expired locks reaped", "count", n)
			}
		}
	}
}
