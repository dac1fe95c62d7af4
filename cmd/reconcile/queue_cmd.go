package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reconcile/internal/config"
	"github.com/hyperengineering/reconcile/internal/queue"
	"github.com/hyperengineering/reconcile/internal/types"
)

var (
	queueStatusFilter string
	queueRemoveDupes  bool
	queueBackendURL   string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and maintain the sync queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and idempotency statistics",
	Args:  cobra.NoArgs,
	RunE:  runQueueStats,
}

var queueItemsCmd = &cobra.Command{
	Use:   "items",
	Short: "List queue items",
	Args:  cobra.NoArgs,
	RunE:  runQueueItems,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Send pending items to the backend once",
	Args:  cobra.NoArgs,
	RunE:  runQueueProcess,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Return failed items to pending",
	Args:  cobra.NoArgs,
	RunE:  runQueueCount("Retried", (*queue.IdempotentManager).RetryFailed),
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete completed items",
	Args:  cobra.NoArgs,
	RunE:  runQueueCount("Cleared", (*queue.IdempotentManager).ClearCompleted),
}

var queueDuplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "List items sharing a request id",
	Args:  cobra.NoArgs,
	RunE:  runQueueDuplicates,
}

var queueMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Stamp a request id onto items that lack one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openLocalEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		n, err := queue.MigrateToIdempotentQueue(cmd.Context(), eng.queue)
		if err != nil {
			return err
		}
		return printCount(cmd.OutOrStdout(), "Migrated", n)
	},
}

func init() {
	queueItemsCmd.Flags().StringVar(&queueStatusFilter, "status", "",
		"Only list items in this status (pending, syncing, completed, failed)")
	queueDuplicatesCmd.Flags().BoolVar(&queueRemoveDupes, "remove", false,
		"Remove every duplicate after the oldest")
	queueProcessCmd.Flags().StringVar(&queueBackendURL, "backend", "",
		"Backend URL (overrides sync.backend_url)")

	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueItemsCmd)
	queueCmd.AddCommand(queueProcessCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueDuplicatesCmd)
	queueCmd.AddCommand(queueMigrateCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := eng.manager.IdempotencyStats(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	qs := stats.QueueStats
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Total:\t%d\n", qs.Total)
	fmt.Fprintf(w, "Pending:\t%d\n", qs.Pending)
	fmt.Fprintf(w, "Syncing:\t%d\n", qs.Syncing)
	fmt.Fprintf(w, "Completed:\t%d\n", qs.Completed)
	fmt.Fprintf(w, "Failed:\t%d\n", qs.Failed)
	fmt.Fprintf(w, "Duplicates:\t%d\n", stats.DuplicatesInQueue)
	fmt.Fprintf(w, "Processed requests:\t%d\n", stats.ProcessedCount)
	fmt.Fprintf(w, "Idempotency:\t%v\n", stats.IdempotencyEnabled)
	return w.Flush()
}

func runQueueItems(cmd *cobra.Command, args []string) error {
	status := types.QueueStatus(queueStatusFilter)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", queueStatusFilter)
	}

	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	items, err := eng.manager.GetAllItems(cmd.Context(), status)
	if err != nil {
		return err
	}
	if jsonOutput {
		if items == nil {
			items = []types.QueueItem{}
		}
		return printJSON(cmd.OutOrStdout(), items)
	}
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tENTITY\tOPERATION\tSTATUS\tRETRIES\tENQUEUED\tERROR")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID,
			item.Entity,
			item.Operation,
			item.Status,
			item.RetryCount,
			formatMillis(item.Timestamp),
			orDash(item.Error),
		)
	}
	return w.Flush()
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadLocal()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(cfg)
	backend := cfg.Sync.BackendURL
	if queueBackendURL != "" {
		backend = queueBackendURL
	}
	if backend == "" {
		return errors.New("no backend configured: set sync.backend_url or --backend")
	}

	eng, err := openEngine(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	eng.manager.SetProcessor(newHTTPProcessor(&http.Client{Timeout: cfg.Sync.RequestTimeout.Std()}, backend))
	result, err := eng.manager.ProcessQueue(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), result)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Processed %d item(s): %d succeeded, %d failed.\n",
		result.Processed, result.Succeeded, result.Failed)
	for _, e := range result.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", e.ID, e.Error)
	}
	return nil
}

func runQueueDuplicates(cmd *cobra.Command, args []string) error {
	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	if queueRemoveDupes {
		n, err := eng.manager.RemoveDuplicates(cmd.Context())
		if err != nil {
			return err
		}
		return printCount(cmd.OutOrStdout(), "Removed", n)
	}

	groups, err := eng.manager.FindDuplicates(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		if groups == nil {
			groups = []queue.DuplicateGroup{}
		}
		return printJSON(cmd.OutOrStdout(), groups)
	}
	if len(groups) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No duplicates found.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "REQUEST ID\tITEMS\tKEEP")
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%d\t%s\n", g.RequestID, len(g.Items), g.Items[0].ID)
	}
	return w.Flush()
}

// runQueueCount opens the engine, runs op and prints the affected count.
func runQueueCount(verb string, op func(*queue.IdempotentManager, context.Context) (int, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		eng, err := openLocalEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer eng.Close()

		n, err := op(eng.manager, cmd.Context())
		if err != nil {
			return err
		}
		return printCount(cmd.OutOrStdout(), verb, n)
	}
}
