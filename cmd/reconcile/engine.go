package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hyperengineering/reconcile/internal/bgsync"
	"github.com/hyperengineering/reconcile/internal/config"
	"github.com/hyperengineering/reconcile/internal/conflict"
	"github.com/hyperengineering/reconcile/internal/idempotency"
	"github.com/hyperengineering/reconcile/internal/queue"
	"github.com/hyperengineering/reconcile/internal/rules"
	"github.com/hyperengineering/reconcile/internal/store"
)

// engine holds the components shared by the daemon and the admin commands.
type engine struct {
	db      *sql.DB
	kv      store.KV
	queue   *queue.SQLiteQueue
	manager *queue.IdempotentManager
	smart   *conflict.SmartResolver
}

// openEngine opens the database and builds every component from cfg.
func openEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	kv := store.NewSQLiteKV(db)

	base := conflict.NewResolver(ctx, kv, conflict.WithMaxLogs(cfg.Conflict.MaxLogs))
	smart := conflict.NewSmartResolver(ctx, base, rules.Default(), conflict.SmartConfig{
		Enabled:             cfg.Conflict.Smart.Enabled,
		EnableFieldLevel:    cfg.Conflict.Smart.FieldLevel,
		EnableVersionCheck:  cfg.Conflict.Smart.VersionCheck,
		StoreFieldConflicts: cfg.Conflict.Smart.StoreFieldConflicts,
		MaxFieldLogs:        cfg.Conflict.Smart.MaxFieldLogs,
	}, kv)

	tracker := idempotency.NewTracker(ctx, kv,
		idempotency.WithMaxEntries(cfg.Idempotency.MaxEntries),
		idempotency.WithMaxAge(cfg.Idempotency.CleanupMaxAge.Std()),
	)

	q := queue.NewSQLiteQueue(db, queue.SQLiteConfig{
		MaxRetries: cfg.Queue.MaxRetries,
		BatchSize:  cfg.Queue.BatchSize,
	})
	mgr := queue.NewIdempotentManager(q, tracker, queue.Config{
		EnableIdempotency:   cfg.Idempotency.Enabled,
		EnableDeduplication: cfg.Idempotency.Deduplication,
		AutoCleanup:         cfg.Idempotency.AutoCleanup,
		CleanupMaxAge:       cfg.Idempotency.CleanupMaxAge.Std(),
		RecencyWindow:       cfg.Idempotency.RecencyWindow.Std(),
	})
	if err := mgr.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize queue: %w", err)
	}

	return &engine{db: db, kv: kv, queue: q, manager: mgr, smart: smart}, nil
}

// processQueue is the SyncFunc used by the sync adapter.
func (e *engine) processQueue(ctx context.Context) error {
	_, err := e.manager.ProcessQueue(ctx)
	return err
}

// newSyncAdapter builds the sync adapter. With sync.background set, tags
// are deferred until the watcher reports connectivity; otherwise the
// adapter processes the queue on every online transition. The returned
// function stops both.
func (e *engine) newSyncAdapter(ctx context.Context, cfg *config.Config, watcher *bgsync.Watcher) (*bgsync.Adapter, func()) {
	var (
		capability bgsync.Capability
		conn       bgsync.Connectivity
		stops      []func()
	)
	if watcher != nil {
		conn = watcher
	}
	if cfg.Sync.Background {
		deferred := bgsync.NewDeferred(func(ctx context.Context, _ string) error {
			return e.processQueue(ctx)
		})
		capability = deferred
		if conn != nil {
			stops = append(stops, deferred.Attach(ctx, conn))
		}
	}

	adapter := bgsync.NewAdapter(ctx, capability, conn, e.kv,
		bgsync.WithStableDelay(cfg.Sync.StableDelay.Std()),
		bgsync.WithFallbackPending(func(ctx context.Context) bool {
			stats, err := e.manager.GetStats(ctx)
			return err == nil && stats.Pending > 0
		}),
	)
	stops = append(stops, adapter.SetupOnlineSync(ctx, e.processQueue))

	return adapter, func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// Snapshot writes a consistent copy of the database to dest.
func (e *engine) Snapshot(ctx context.Context, dest string) error {
	return store.Snapshot(ctx, e.db, dest)
}

// Close closes the database.
func (e *engine) Close() error {
	return e.db.Close()
}

// openLocalEngine loads configuration without requiring an API key and
// opens the engine, for the offline admin commands.
func openLocalEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.LoadLocal()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg)
	return openEngine(ctx, cfg)
}
