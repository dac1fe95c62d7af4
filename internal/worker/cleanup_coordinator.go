package worker

import (
	"context"
	"log/slog"
	"time"
)

// QueueCleaner is implemented by queue.IdempotentManager.
type QueueCleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) int
	ClearCompleted(ctx context.Context) (int, error)
}

// CleanupCoordinator periodically evicts expired processed request ids
// and deletes completed queue items.
type CleanupCoordinator struct {
	queue    QueueCleaner
	interval time.Duration
	maxAge   time.Duration
}

// NewCleanupCoordinator creates a cleanup coordinator. A zero maxAge uses
// the queue's configured age.
func NewCleanupCoordinator(q QueueCleaner, interval, maxAge time.Duration) *CleanupCoordinator {
	return &CleanupCoordinator{
		queue:    q,
		interval: interval,
		maxAge:   maxAge,
	}
}

// Run starts the cleanup loop. It blocks until ctx is cancelled.
//
// The first cleanup waits for the first tick; Initialize already evicts
// expired ids at startup.
func (c *CleanupCoordinator) Run(ctx context.Context) {
	slog.Info("cleanup coordinator started",
		"component", "worker",
		"worker", "cleanup-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup coordinator stopped",
				"component", "worker",
				"worker", "cleanup-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.cleanupOnce(ctx)
		}
	}
}

func (c *CleanupCoordinator) cleanupOnce(ctx context.Context) {
	expired := c.queue.Cleanup(ctx, c.maxAge)

	cleared, err := c.queue.ClearCompleted(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("failed to clear completed items",
			"component", "worker",
			"worker", "cleanup-coordinator",
			"error", err,
		)
	}

	if expired > 0 || cleared > 0 {
		slog.Info("cleanup cycle completed",
			"component", "worker",
			"worker", "cleanup-coordinator",
			"expired_requests", expired,
			"cleared_items", cleared,
		)
	}
}
