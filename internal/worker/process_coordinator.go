package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/reconcile/internal/types"
)

// QueueProcessor is the queue surface the process coordinator drives.
// Implemented by queue.IdempotentManager.
type QueueProcessor interface {
	ProcessQueue(ctx context.Context) (types.ProcessResult, error)
	IsReady() bool
}

// ProcessCoordinator periodically drains the sync queue.
type ProcessCoordinator struct {
	queue    QueueProcessor
	interval time.Duration
	online   func() bool
}

// NewProcessCoordinator creates a coordinator that processes q every
// interval. A non-nil online func skips ticks while it reports false.
func NewProcessCoordinator(q QueueProcessor, interval time.Duration, online func() bool) *ProcessCoordinator {
	return &ProcessCoordinator{
		queue:    q,
		interval: interval,
		online:   online,
	}
}

// Run processes immediately on start, then on each tick. Blocks until ctx
// is cancelled.
func (c *ProcessCoordinator) Run(ctx context.Context) {
	slog.Info("process coordinator started",
		"component", "worker",
		"worker", "process-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.processOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("process coordinator stopped",
				"component", "worker",
				"worker", "process-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.processOnce(ctx)
		}
	}
}

func (c *ProcessCoordinator) processOnce(ctx context.Context) {
	if !c.queue.IsReady() {
		return
	}
	if c.online != nil && !c.online() {
		slog.Debug("offline, skipping queue pass",
			"component", "worker",
			"worker", "process-coordinator",
		)
		return
	}

	start := time.Now()
	res, err := c.queue.ProcessQueue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("queue pass failed",
			"component", "worker",
			"worker", "process-coordinator",
			"error", err,
		)
		return
	}

	if res.Processed > 0 {
		slog.Info("queue pass completed",
			"component", "worker",
			"worker", "process-coordinator",
			"processed", res.Processed,
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
