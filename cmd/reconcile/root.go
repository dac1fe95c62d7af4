package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reconcile/internal/api"
	"github.com/hyperengineering/reconcile/internal/bgsync"
	"github.com/hyperengineering/reconcile/internal/config"
	"github.com/hyperengineering/reconcile/internal/snapshot"
	"github.com/hyperengineering/reconcile/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	dbPathOverride string
	jsonOutput     bool
)

var rootCmd = &cobra.Command{
	Use:           "reconcile",
	Short:         "Reconcile - offline-first sync and conflict resolution",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon and admin API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
		"Database path (overrides config and RECONCILE_DB_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(idempotencyCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyOverrides(cfg)
	slog.Info("configuration loaded")

	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	eng, err := openEngine(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("engine initialized", "path", cfg.Database.Path, "rules", eng.smart.Rules().Len())

	client := &http.Client{Timeout: cfg.Sync.RequestTimeout.Std()}
	if cfg.Sync.BackendURL != "" {
		eng.manager.SetProcessor(newHTTPProcessor(client, cfg.Sync.BackendURL))
		slog.Info("sync processor configured", "backend_url", cfg.Sync.BackendURL)
	} else {
		slog.Warn("no backend_url configured, queue will not be processed")
	}

	probeURL := cfg.Sync.ProbeURL
	if probeURL == "" {
		probeURL = cfg.Sync.BackendURL
	}
	var watcher *bgsync.Watcher
	if probeURL != "" {
		watcher = bgsync.NewWatcher(bgsync.HTTPProbe(client, probeURL), cfg.Sync.ProbeInterval.Std())
	}

	adapter, stopSync := eng.newSyncAdapter(ctx, cfg, watcher)

	handler := api.NewHandler(eng.smart, eng.manager, adapter, cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	var online func() bool
	if watcher != nil {
		online = watcher.Online
	}

	var wg sync.WaitGroup
	if watcher != nil {
		startWorker(ctx, &wg, "connectivity", watcher.Run)
	}
	startWorker(ctx, &wg, "queue-process",
		worker.NewProcessCoordinator(eng.manager, cfg.Sync.ProcessInterval.Std(), online).Run)
	startWorker(ctx, &wg, "queue-cleanup",
		worker.NewCleanupCoordinator(eng.manager, cfg.Sync.CleanupInterval.Std(), cfg.Idempotency.CleanupMaxAge.Std()).Run)
	if cfg.Snapshot.Interval > 0 {
		uploader, err := snapshot.NewUploader(cfg.Snapshot.Storage)
		if err != nil {
			slog.Error("snapshot storage unavailable, keeping snapshots local", "error", err)
			uploader = snapshot.NoopUploader{}
		}
		startWorker(ctx, &wg, "snapshot",
			worker.NewSnapshotCoordinator(eng, uploader, cfg.Snapshot.Path, cfg.Snapshot.Name, cfg.Snapshot.Interval.Std()).Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	stopSync()
	wg.Wait()

	if err := eng.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func applyOverrides(cfg *config.Config) {
	if dbPathOverride != "" {
		cfg.Database.Path = dbPathOverride
	}
}

// newLogger builds the process logger from the log config.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
