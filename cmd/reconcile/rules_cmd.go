package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/reconcile/internal/api"
	"github.com/hyperengineering/reconcile/internal/conflict"
	"github.com/hyperengineering/reconcile/internal/rules"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Show the built-in conflict rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE:  runRulesList,
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
}

func runRulesList(cmd *cobra.Command, args []string) error {
	// Rules are static; no database is needed to list them.
	smart := conflict.NewSmartResolver(cmd.Context(), nil, rules.Default(), conflict.DefaultSmartConfig(), nil)
	summaries := api.RuleSummaries(smart)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), summaries)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ENTITY\tPROTECTED\tSERVER\tMANUAL\tVERSION\tVALIDATOR")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			s.Entity,
			joinOrDash(s.ProtectedFields),
			joinOrDash(s.ServerAuthoritativeFields),
			joinOrDash(s.ManualFields),
			strings.Join(s.VersionFields, ","),
			s.HasValidator,
		)
	}
	return w.Flush()
}

func joinOrDash(fields []string) string {
	return orDash(strings.Join(fields, ","))
}
