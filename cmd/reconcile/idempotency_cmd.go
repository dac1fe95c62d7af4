package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var idempotencyMaxAge time.Duration

var idempotencyCmd = &cobra.Command{
	Use:   "idempotency",
	Short: "Inspect processed request ids",
}

var idempotencyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the processed request set",
	Args:  cobra.NoArgs,
	RunE:  runIdempotencyStats,
}

var idempotencyCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict processed request ids older than --max-age",
	Args:  cobra.NoArgs,
	RunE:  runIdempotencyCleanup,
}

func init() {
	idempotencyCleanupCmd.Flags().DurationVar(&idempotencyMaxAge, "max-age", 0,
		"Maximum age to keep (defaults to idempotency.cleanup_max_age)")

	idempotencyCmd.AddCommand(idempotencyStatsCmd)
	idempotencyCmd.AddCommand(idempotencyCleanupCmd)
}

func runIdempotencyStats(cmd *cobra.Command, args []string) error {
	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	stats := eng.manager.Tracker().Stats()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Processed:\t%d\n", stats.Total)
	fmt.Fprintf(w, "Recent:\t%d\n", stats.Recent)
	fmt.Fprintf(w, "Expired:\t%d\n", stats.Expired)
	if stats.Oldest != nil {
		fmt.Fprintf(w, "Oldest:\t%s\n", formatTime(*stats.Oldest))
	}
	if stats.Newest != nil {
		fmt.Fprintf(w, "Newest:\t%s\n", formatTime(*stats.Newest))
	}
	return w.Flush()
}

func runIdempotencyCleanup(cmd *cobra.Command, args []string) error {
	if idempotencyMaxAge < 0 {
		return fmt.Errorf("--max-age must not be negative")
	}

	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	return printCount(cmd.OutOrStdout(), "Evicted", eng.manager.Cleanup(cmd.Context(), idempotencyMaxAge))
}
