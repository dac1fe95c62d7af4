package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/reconcile/internal/snapshot"
)

// Snapshotter writes a consistent copy of the local database to a path.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// SnapshotCoordinator periodically snapshots the local database and
// uploads the copy.
type SnapshotCoordinator struct {
	db       Snapshotter
	uploader snapshot.Uploader
	path     string
	name     string
	interval time.Duration
}

// NewSnapshotCoordinator creates a coordinator that writes snapshots to
// path and uploads them under name. A nil uploader keeps them local.
func NewSnapshotCoordinator(db Snapshotter, uploader snapshot.Uploader, path, name string, interval time.Duration) *SnapshotCoordinator {
	if uploader == nil {
		uploader = snapshot.NoopUploader{}
	}
	return &SnapshotCoordinator{
		db:       db,
		uploader: uploader,
		path:     path,
		name:     name,
		interval: interval,
	}
}

// Run starts the coordinator loop. A snapshot is taken immediately, then
// on every tick.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("snapshot coordinator started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.snapshotOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("snapshot coordinator stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.snapshotOnce(ctx)
		}
	}
}

// snapshotOnce takes and uploads one snapshot. It reports whether both
// steps succeeded.
func (c *SnapshotCoordinator) snapshotOnce(ctx context.Context) bool {
	start := time.Now()
	if err := c.db.Snapshot(ctx, c.path); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}

	if err := c.uploader.Upload(ctx, c.name, c.path); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "upload_failed",
			"name", c.name,
			"error", err,
		)
		return false
	}

	slog.Info("snapshot completed",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_complete",
		"path", c.path,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
