package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reconcile/internal/api"
	"github.com/hyperengineering/reconcile/internal/conflict"
)

var (
	conflictsType   string
	conflictsID     string
	conflictsEntity string
	conflictsFields bool
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect the conflict logs",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resolved conflicts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runConflictsList,
}

var conflictsFieldsCmd = &cobra.Command{
	Use:   "fields",
	Short: "List field-level conflicts, newest first",
	Args:  cobra.NoArgs,
	RunE:  runConflictsFields,
}

var conflictsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the conflict logs",
	Args:  cobra.NoArgs,
	RunE:  runConflictsStats,
}

var conflictsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the conflict log",
	Args:  cobra.NoArgs,
	RunE:  runConflictsClear,
}

func init() {
	conflictsListCmd.Flags().StringVar(&conflictsType, "type", "", "Only list conflicts for this data type")
	conflictsListCmd.Flags().StringVar(&conflictsID, "id", "", "Only list conflicts for this record id")
	conflictsFieldsCmd.Flags().StringVar(&conflictsEntity, "entity", "", "Only list conflicts for this entity")
	conflictsClearCmd.Flags().BoolVar(&conflictsFields, "fields", false, "Clear the field conflict log instead")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsFieldsCmd)
	conflictsCmd.AddCommand(conflictsStatsCmd)
	conflictsCmd.AddCommand(conflictsClearCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	base := eng.smart.Base()
	var logs []conflict.Log
	switch {
	case conflictsID != "":
		logs = base.LogsByID(conflictsID)
	case conflictsType != "":
		logs = base.LogsByType(conflictsType)
	default:
		logs = base.Logs()
	}

	if jsonOutput {
		if logs == nil {
			logs = []conflict.Log{}
		}
		return printJSON(cmd.OutOrStdout(), logs)
	}
	if len(logs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No conflicts recorded.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "RESOLVED\tTYPE\tID\tWINNER\tSTRATEGY\tREASON")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(l.ResolvedAt), l.DataType, l.DataID, l.Winner, l.Strategy, l.Reason)
	}
	return w.Flush()
}

func runConflictsFields(cmd *cobra.Command, args []string) error {
	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	logs := eng.smart.FieldConflictLogs(conflictsEntity)
	if jsonOutput {
		if logs == nil {
			logs = []conflict.FieldConflictLog{}
		}
		return printJSON(cmd.OutOrStdout(), logs)
	}
	if len(logs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No field conflicts recorded.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "RESOLVED\tENTITY\tID\tFIELD\tWINNER\tREASON")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(l.ResolvedAt), l.Entity, l.EntityID, l.Field, l.Winner, l.Reason)
	}
	return w.Flush()
}

func runConflictsStats(cmd *cobra.Command, args []string) error {
	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	resp := api.ConflictStatsResponse{
		Conflicts: eng.smart.Base().Stats(),
		Smart:     eng.smart.Stats(),
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Conflicts:\t%d\n", resp.Conflicts.Total)
	for _, k := range sortedKeys(resp.Conflicts.ByType) {
		fmt.Fprintf(w, "  %s:\t%d\n", k, resp.Conflicts.ByType[k])
	}
	fmt.Fprintf(w, "Field conflicts:\t%d\n", resp.Smart.TotalFieldConflicts)
	for _, k := range sortedKeys(resp.Smart.ConflictsByEntity) {
		fmt.Fprintf(w, "  %s:\t%d\n", k, resp.Smart.ConflictsByEntity[k])
	}
	fmt.Fprintf(w, "Rules:\t%d\n", resp.Smart.TotalRules)
	fmt.Fprintf(w, "Smart resolution:\t%v\n", resp.Smart.Enabled)
	return w.Flush()
}

func runConflictsClear(cmd *cobra.Command, args []string) error {
	eng, err := openLocalEngine(cmd.Context())
	if err != nil {
		return err
	}
	defer eng.Close()

	if conflictsFields {
		eng.smart.ClearFieldConflictLogs(cmd.Context())
		fmt.Fprintln(cmd.OutOrStdout(), "Field conflict log cleared.")
		return nil
	}
	eng.smart.Base().ClearLogs(cmd.Context())
	fmt.Fprintln(cmd.OutOrStdout(), "Conflict log cleared.")
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
